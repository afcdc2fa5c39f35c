package commands

import (
	"fmt"
	"io"

	"github.com/wolfeidau/remotebuild/internal/config"
	"github.com/wolfeidau/remotebuild/internal/i18n"
	"github.com/wolfeidau/remotebuild/internal/modules"
	"github.com/wolfeidau/remotebuild/internal/modules/status"
)

type Globals struct {
	Debug   bool
	Version string
	// Stdout receives operator facing output such as the pairing pin
	Stdout io.Writer
}

// ServerFlags overlay the configuration file. Zero values leave the file or
// default value in place.
type ServerFlags struct {
	Config      string `help:"path to a YAML configuration file" type:"path" env:"REMOTEBUILD_CONFIG"`
	ServerDir   string `help:"directory holding certificates and server state" type:"path" env:"REMOTEBUILD_SERVER_DIR"`
	Port        int    `help:"listen port (default 3000)" env:"REMOTEBUILD_PORT"`
	Insecure    bool   `help:"serve plain HTTP without pairing" env:"REMOTEBUILD_INSECURE"`
	Lang        string `help:"locale for user visible messages" env:"REMOTEBUILD_LANG"`
	PinTimeout  int    `help:"seconds before an unused pin expires (default 600)" env:"REMOTEBUILD_PIN_TIMEOUT"`
	Hostname    string `help:"host name added to the server certificate" env:"REMOTEBUILD_HOSTNAME"`
	BindAddress string `help:"address to listen on, all interfaces when empty" env:"REMOTEBUILD_BIND_ADDRESS"`
}

// Load builds the server configuration from defaults, the file and the flags.
func (f ServerFlags) Load() (config.Config, error) {
	cfg := config.Default()
	if f.Config != "" {
		var err error
		if cfg, err = config.Load(f.Config); err != nil {
			return cfg, err
		}
	}

	if f.ServerDir != "" {
		cfg.ServerDir = f.ServerDir
	}
	if f.Port != 0 {
		cfg.Port = f.Port
	}
	if f.Insecure {
		cfg.Secure = false
	}
	if f.Lang != "" {
		cfg.Lang = f.Lang
	}
	if f.PinTimeout != 0 {
		cfg.PinTimeout = f.PinTimeout
	}
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.BindAddress != "" {
		cfg.BindAddress = f.BindAddress
	}

	return cfg, nil
}

// DefaultCatalog returns the modules linked into the binary.
func DefaultCatalog(version string) *modules.Catalog {
	catalog := modules.NewCatalog()
	catalog.MustRegister(status.Locator, &status.Factory{Version: version})
	return catalog
}

// localizedError renders err in the operator's locale while keeping the chain intact.
type localizedError struct {
	err  error
	lang string
}

func (e *localizedError) Error() string {
	return i18n.Describe(e.err, e.lang)
}

func (e *localizedError) Unwrap() error {
	return e.err
}

func localize(err error, lang string) error {
	if err == nil {
		return nil
	}
	return &localizedError{err: err, lang: lang}
}

func stdout(globals *Globals) io.Writer {
	if globals.Stdout == nil {
		return io.Discard
	}
	return globals.Stdout
}

func printf(globals *Globals, format string, args ...any) {
	_, _ = fmt.Fprintf(stdout(globals), format, args...)
}
