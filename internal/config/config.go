package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidPort indicates the listen port is outside 0-65535
	ErrInvalidPort = errors.New("invalid port")
	// ErrInvalidPinTimeout indicates the pin timeout is not positive
	ErrInvalidPinTimeout = errors.New("pin timeout must be positive")
	// ErrServerDirRequired indicates no server data directory was configured
	ErrServerDirRequired = errors.New("server directory is required")
)

// Config is the remote build server configuration.
type Config struct {
	// Root directory for certificates and other state
	ServerDir string `yaml:"serverDir"`
	// Listen port, 0 picks an ephemeral port
	Port int `yaml:"port"`
	// Optional listen address, empty listens on all interfaces
	BindAddress string `yaml:"bindAddress"`
	// Enable TLS and pin based pairing
	Secure bool `yaml:"secure"`
	// Locale used for user-visible error messages
	Lang string `yaml:"lang"`
	// Seconds before an unconsumed pin expires
	PinTimeout int `yaml:"pinTimeout"`
	// Host name placed in the server certificate
	Hostname string `yaml:"hostname"`
	// Seconds a client certificate stays valid after its pin expires
	ClientCertTTL int `yaml:"clientCertTTL"`
	// Upper bound on each module shutdown during stop
	ModuleShutdownTimeout time.Duration `yaml:"moduleShutdownTimeout"`

	Modules ModuleList `yaml:"modules"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() Config {
	serverDir := filepath.Join(os.TempDir(), "remotebuild")
	if home, err := os.UserHomeDir(); err == nil {
		serverDir = filepath.Join(home, ".remotebuild")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return Config{
		ServerDir:             serverDir,
		Port:                  3000,
		Secure:                true,
		Lang:                  "en",
		PinTimeout:            600,
		Hostname:              hostname,
		ModuleShutdownTimeout: 5 * time.Second,
	}
}

// Load reads a YAML configuration file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// PinTTL returns the pin timeout as a duration.
func (c Config) PinTTL() time.Duration {
	return time.Duration(c.PinTimeout) * time.Second
}

// ClientCertLifetime returns how long a client certificate outlives its pin.
func (c Config) ClientCertLifetime() time.Duration {
	return time.Duration(c.ClientCertTTL) * time.Second
}

// CertsDir returns the directory holding the CA and server material.
func (c Config) CertsDir() string {
	return filepath.Join(c.ServerDir, "certs")
}

// Validate checks the configuration before any side effects take place.
func (c Config) Validate() error {
	if c.ServerDir == "" {
		return ErrServerDirRequired
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.Secure && c.PinTimeout <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPinTimeout, c.PinTimeout)
	}
	return nil
}

// NormalizeMountPath strips surrounding slashes and whitespace from a mount path.
func NormalizeMountPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}
