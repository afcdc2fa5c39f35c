package logger

import (
	"context"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
)

var _ connect.Interceptor = (*ConnectRequests)(nil)

// ConnectRequests logs every RPC handled by a module service.
type ConnectRequests struct {
	logger zerolog.Logger
}

func NewConnectRequests(logger zerolog.Logger) *ConnectRequests {
	return &ConnectRequests{logger: logger}
}

func (c *ConnectRequests) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return connect.UnaryFunc(func(
		ctx context.Context,
		req connect.AnyRequest,
	) (connect.AnyResponse, error) {
		started := time.Now()

		ctx = c.requestLogger(ctx, req.Spec(), req.Peer()).WithContext(ctx)

		resp, err := next(ctx, req)
		if err != nil {
			zerolog.Ctx(ctx).Error().
				Err(err).
				Str("code", connect.CodeOf(err).String()).
				Dur("duration", time.Since(started)).
				Msg("rpc call")

			return resp, err
		}

		zerolog.Ctx(ctx).Info().
			Dur("duration", time.Since(started)).
			Msg("rpc call")

		return resp, err
	})
}

// WrapStreamingClient is a pass through; modules only serve RPCs.
func (c *ConnectRequests) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (c *ConnectRequests) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return connect.StreamingHandlerFunc(func(
		ctx context.Context,
		conn connect.StreamingHandlerConn,
	) error {
		started := time.Now()

		ctx = c.requestLogger(ctx, conn.Spec(), conn.Peer()).WithContext(ctx)

		err := next(ctx, conn)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("rpc server stream error")
			return err
		}

		zerolog.Ctx(ctx).Info().
			Dur("duration", time.Since(started)).
			Msg("rpc server stream finished")

		return nil
	})
}

// requestLogger extends the logger already attached by HTTPRequests, if any.
func (c *ConnectRequests) requestLogger(ctx context.Context, spec connect.Spec, peer connect.Peer) zerolog.Logger {
	base := c.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		base = *l
	}

	return base.With().
		Str("procedure", spec.Procedure).
		Str("protocol", peer.Protocol).
		Str("addr", peer.Addr).
		Logger()
}
