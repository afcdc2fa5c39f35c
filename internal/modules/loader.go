package modules

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/remotebuild/internal/config"
	"github.com/wolfeidau/remotebuild/internal/telemetry"
)

// DefaultShutdownTimeout bounds a single module shutdown when no timeout is configured.
const DefaultShutdownTimeout = 5 * time.Second

// Mounted is a created module together with the configuration it was created from.
type Mounted struct {
	Config config.ModuleConfig
	Router http.Handler

	instance Module
	once     sync.Once
	err      error
}

// Prefix returns the URL prefix the module is served under.
func (m *Mounted) Prefix() string {
	return Prefix(m.Config)
}

// Shutdown shuts the module down once; later calls return the first result.
func (m *Mounted) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.err = m.instance.Shutdown(ctx)
	})
	return m.err
}

// LoadAll creates every configured module in order. If any module fails, the
// modules already created are shut down in reverse order and a ModuleLoadError
// is returned. Mount paths are checked before anything is created.
func LoadAll(ctx context.Context, catalog *Catalog, server ServerConfig, configs []config.ModuleConfig, caps Capabilities) ([]*Mounted, error) {
	if err := CheckMounts(configs); err != nil {
		return nil, err
	}

	metrics := telemetry.GetMetrics()
	mounted := make([]*Mounted, 0, len(configs))

	for _, cfg := range configs {
		m, err := load(ctx, catalog, server, cfg, caps)
		if err != nil {
			metrics.ModuleLoadErrorsTotal.Add(ctx, 1)

			if unwindErr := unwind(ctx, mounted); unwindErr != nil {
				caps.Logger.Warn().Err(unwindErr).Msg("Errors while unwinding loaded modules")
			}

			return nil, &ModuleLoadError{Module: cfg.Name, Locator: cfg.Locator(), Err: err}
		}

		caps.Logger.Info().
			Str("module", cfg.Name).
			Str("locator", cfg.Locator()).
			Str("mount_path", m.Prefix()).
			Msg("Loaded module")

		mounted = append(mounted, m)
	}

	metrics.ModulesMounted.Add(ctx, int64(len(mounted)))

	return mounted, nil
}

func load(ctx context.Context, catalog *Catalog, server ServerConfig, cfg config.ModuleConfig, caps Capabilities) (m *Mounted, err error) {
	factory, ok := catalog.Lookup(cfg.Locator())
	if !ok {
		return nil, unknownModule(cfg.Locator())
	}

	if d, ok := factory.(ConfigDefaulter); ok {
		defaulted := d.DefaultConfig(server, cfg)
		// module identity and placement stay under server control
		defaulted.Name, defaulted.MountPath, defaulted.LoadLocator = cfg.Name, cfg.MountPath, cfg.LoadLocator
		cfg = defaulted
	}

	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("module panicked during create: %v", r)
		}
	}()

	moduleCaps := caps
	moduleCaps.Logger = caps.Logger.With().Str("module", cfg.Name).Logger()

	instance, err := factory.Create(ctx, server, cfg, moduleCaps)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, errors.New("factory returned no module")
	}

	router := instance.Router()
	if router == nil {
		_ = instance.Shutdown(ctx)
		return nil, errors.New("module has no router")
	}

	return &Mounted{Config: cfg, Router: router, instance: instance}, nil
}

// unwind shuts down a partially loaded batch, most recently created first.
func unwind(ctx context.Context, mounted []*Mounted) error {
	var result *multierror.Error
	for i := len(mounted) - 1; i >= 0; i-- {
		if err := mounted[i].Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("module %q: %w", mounted[i].Config.Name, err))
		}
	}
	return result.ErrorOrNil()
}

// ShutdownAll shuts down every module in reverse mount order, giving each at most
// timeout. A module that fails or overruns is logged and skipped; the returned
// error aggregates those failures for callers that want them.
func ShutdownAll(ctx context.Context, mounted []*Mounted, timeout time.Duration, logger zerolog.Logger) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	metrics := telemetry.GetMetrics()

	var result *multierror.Error
	for i := len(mounted) - 1; i >= 0; i-- {
		m := mounted[i]
		started := time.Now()

		err := shutdownWithTimeout(ctx, m, timeout)

		metrics.ModuleShutdownDuration.Record(ctx, time.Since(started).Seconds())
		metrics.ModulesMounted.Add(ctx, -1)

		if err == nil {
			continue
		}

		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ModuleShutdownTimeouts.Add(ctx, 1)
		}

		logger.Warn().Err(err).Str("module", m.Config.Name).Msg("Module shutdown failed")
		result = multierror.Append(result, fmt.Errorf("module %q: %w", m.Config.Name, err))
	}

	return result.ErrorOrNil()
}

// shutdownWithTimeout returns once the module shuts down or timeout elapses,
// whichever comes first. An overrunning shutdown keeps running in the background.
func shutdownWithTimeout(ctx context.Context, m *Mounted, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown did not complete within %s: %w", timeout, ctx.Err())
	}
}
