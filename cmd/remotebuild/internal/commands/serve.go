package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/remotebuild/internal/i18n"
	"github.com/wolfeidau/remotebuild/internal/logger"
	"github.com/wolfeidau/remotebuild/internal/pairing"
	"github.com/wolfeidau/remotebuild/internal/server"
	"github.com/wolfeidau/remotebuild/internal/telemetry"
)

type ServeCmd struct {
	ServerFlags `embed:""`

	Tracing     bool          `help:"export traces and metrics over OTLP" env:"REMOTEBUILD_TRACING"`
	SampleRatio float64       `help:"fraction of traces recorded" default:"1" env:"REMOTEBUILD_TRACE_SAMPLE_RATIO"`
	TrustProxy  bool          `help:"log the client address from X-Forwarded-For" env:"REMOTEBUILD_TRUST_PROXY"`
	StopTimeout time.Duration `help:"upper bound on a graceful stop" default:"15s" env:"REMOTEBUILD_STOP_TIMEOUT"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := c.Load()
	if err != nil {
		return err
	}

	log.Info().
		Str("version", globals.Version).
		Bool("debug", globals.Debug).
		Str("server_dir", cfg.ServerDir).
		Bool("secure", cfg.Secure).
		Msg("Starting remote build server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "remotebuild",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	srv := server.New(cfg, server.Options{
		Catalog:    DefaultCatalog(globals.Version),
		Logger:     log,
		Tracing:    c.Tracing,
		TrustProxy: c.TrustProxy,
	})

	if err := srv.Start(ctx); err != nil {
		return localize(err, cfg.Lang)
	}

	printf(globals, "%s\n", i18n.Sprintf(cfg.Lang, i18n.ServerStarted, srv.Port()))
	if pin, ok := srv.LivePin(); ok {
		printPin(globals, cfg.Lang, pin)
	}

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hup:
			pin, err := srv.IssuePin(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to issue a new pin")
				continue
			}
			printPin(globals, cfg.Lang, pin)
		case serveErr = <-srv.Errors():
			break loop
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), c.StopTimeout)
	defer cancel()

	if err := srv.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Errors while stopping")
	}

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}

	return nil
}

func printPin(globals *Globals, lang string, pin pairing.Pin) {
	printf(globals, "%s\n", i18n.Sprintf(lang, i18n.PinIssued, pin.Code, pin.ExpiresAt.Format(time.RFC3339)))
}
