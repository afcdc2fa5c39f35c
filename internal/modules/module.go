// Package modules mounts feature modules on the build server.
//
// Modules are linked into the binary and registered in a Catalog under a
// locator. The server configuration names which locator to instantiate for each
// module and the mount path its router is served under.
package modules

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/remotebuild/internal/config"
	"github.com/wolfeidau/remotebuild/internal/pki"
)

// ServerConfig is the part of the server configuration visible to modules.
type ServerConfig struct {
	ServerDir string
	Port      int
	Secure    bool
	Lang      string
	Hostname  string
}

// Capabilities are the server facilities a module may use.
type Capabilities struct {
	// CertStore is nil unless the server runs in secure mode
	CertStore *pki.CertStore
	Logger    zerolog.Logger
	// Tracing reports whether an OpenTelemetry tracer provider is installed
	Tracing bool
}

// Module is a created module instance.
type Module interface {
	// Router handles requests below the module mount path, with the prefix removed.
	Router() http.Handler
	// Shutdown releases the module resources. It may be called more than once.
	Shutdown(ctx context.Context) error
}

// Factory creates module instances.
type Factory interface {
	Create(ctx context.Context, server ServerConfig, cfg config.ModuleConfig, caps Capabilities) (Module, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, server ServerConfig, cfg config.ModuleConfig, caps Capabilities) (Module, error)

func (f FactoryFunc) Create(ctx context.Context, server ServerConfig, cfg config.ModuleConfig, caps Capabilities) (Module, error) {
	return f(ctx, server, cfg, caps)
}

// ConfigDefaulter is implemented by factories that fill in module defaults
// before Create is called.
type ConfigDefaulter interface {
	DefaultConfig(server ServerConfig, cfg config.ModuleConfig) config.ModuleConfig
}

// HelpPrinter is implemented by factories that can describe their options.
type HelpPrinter interface {
	PrintHelp(w io.Writer, server ServerConfig, cfg config.ModuleConfig) error
}
