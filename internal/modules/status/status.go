// Package status is the built-in module reporting server and client pairing state.
//
// It serves a connect RPC at /remotebuild.status.v1.StatusService/GetStatus and a
// plain JSON document at the module root. In secure mode both require a paired
// client certificate unless the module is configured with requireClientCert: false.
package status

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"connectrpc.com/authn"
	"connectrpc.com/connect"
	connectcors "connectrpc.com/cors"
	"connectrpc.com/otelconnect"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/remotebuild/internal/config"
	"github.com/wolfeidau/remotebuild/internal/logger"
	"github.com/wolfeidau/remotebuild/internal/modules"
	"github.com/wolfeidau/remotebuild/internal/pki"
	"github.com/wolfeidau/remotebuild/internal/util"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// Locator is the catalog key of the status module.
	Locator = "status"

	// GetStatusProcedure is the connect procedure served by the module.
	GetStatusProcedure = "/remotebuild.status.v1.StatusService/GetStatus"
)

var (
	_ modules.Factory         = (*Factory)(nil)
	_ modules.ConfigDefaulter = (*Factory)(nil)
	_ modules.HelpPrinter     = (*Factory)(nil)
)

// Factory creates status modules.
type Factory struct {
	// Version is reported in the status document
	Version string
	// Now overrides the clock, for tests
	Now func() time.Time
}

func (f *Factory) DefaultConfig(server modules.ServerConfig, cfg config.ModuleConfig) config.ModuleConfig {
	if cfg.Options == nil {
		cfg.Options = make(map[string]any)
	}
	if _, ok := cfg.Options["requireClientCert"]; !ok {
		cfg.Options["requireClientCert"] = server.Secure
	}
	return cfg
}

func (f *Factory) PrintHelp(w io.Writer, server modules.ServerConfig, cfg config.ModuleConfig) error {
	_, err := fmt.Fprintf(w, `Reports server state to paired clients.

Options:
  requireClientCert  bool      require a paired client certificate (default: %t)
  corsOrigins        []string  origins allowed to call the RPC from a browser
`, server.Secure)
	return err
}

func (f *Factory) Create(ctx context.Context, server modules.ServerConfig, cfg config.ModuleConfig, caps modules.Capabilities) (modules.Module, error) {
	now := f.Now
	if now == nil {
		now = time.Now
	}

	m := &Module{
		name:      cfg.Name,
		version:   f.Version,
		server:    server,
		logger:    caps.Logger,
		now:       now,
		startedAt: now(),
	}

	interceptors := []connect.Interceptor{logger.NewConnectRequests(caps.Logger)}
	if caps.Tracing {
		otelInterceptor, err := otelconnect.NewInterceptor()
		if err != nil {
			return nil, fmt.Errorf("failed to create OTEL interceptor: %w", err)
		}
		interceptors = append(interceptors, otelInterceptor)
	}

	mux := http.NewServeMux()
	mux.Handle(GetStatusProcedure, connect.NewUnaryHandler(
		GetStatusProcedure,
		m.GetStatus,
		connect.WithInterceptors(interceptors...),
	))
	mux.HandleFunc("GET /{$}", m.serveJSON)

	var handler http.Handler = mux

	if origins := cfg.Strings("corsOrigins"); len(origins) > 0 {
		handler = withCORS(origins, handler)
	}

	if cfg.Bool("requireClientCert", false) {
		if caps.CertStore == nil {
			return nil, fmt.Errorf("requireClientCert needs the server to run in secure mode")
		}
		handler = pki.RequireClientCert(caps.CertStore, handler)
	}

	m.router = handler

	return m, nil
}

// Module reports uptime, configuration and the calling client.
type Module struct {
	name      string
	version   string
	server    modules.ServerConfig
	logger    zerolog.Logger
	now       func() time.Time
	startedAt time.Time
	router    http.Handler
	requests  atomic.Int64
	stopped   atomic.Bool
}

func (m *Module) Router() http.Handler {
	return m.router
}

func (m *Module) Shutdown(ctx context.Context) error {
	if m.stopped.CompareAndSwap(false, true) {
		m.logger.Debug().Int64("requests", m.requests.Load()).Msg("Status module stopped")
	}
	return nil
}

// GetStatus returns the status document.
func (m *Module) GetStatus(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	st, err := m.status(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

func (m *Module) serveJSON(w http.ResponseWriter, r *http.Request) {
	st, err := m.status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data, err := util.MarshalProtoJSON(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (m *Module) status(ctx context.Context) (*structpb.Struct, error) {
	m.requests.Add(1)

	doc := map[string]any{
		"module":         m.name,
		"version":        m.version,
		"secure":         m.server.Secure,
		"hostname":       m.server.Hostname,
		"lang":           m.server.Lang,
		"uptime_seconds": m.now().Sub(m.startedAt).Seconds(),
		"go_version":     runtime.Version(),
		"requests":       float64(m.requests.Load()),
	}

	if info, ok := authn.GetInfo(ctx).(*pki.ClientInfo); ok {
		doc["client"] = map[string]any{
			"common_name":   info.CommonName,
			"serial_number": info.SerialNumber,
		}
	}

	return structpb.NewStruct(doc)
}

func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: connectcors.AllowedMethods(),
		AllowedHeaders: connectcors.AllowedHeaders(),
		ExposedHeaders: connectcors.ExposedHeaders(),
	})
	return middleware.Handler(h)
}
