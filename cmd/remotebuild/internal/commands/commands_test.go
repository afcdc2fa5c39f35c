package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/remotebuild/internal/server"
)

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remotebuild.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestServerFlags_Load(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
serverDir: %s
port: 4000
lang: fr
pinTimeout: 30
modules:
  status:
    mountPath: status
`, dir))

	t.Run("file values", func(t *testing.T) {
		cfg, err := ServerFlags{Config: path}.Load()
		require.NoError(t, err)
		require.Equal(t, dir, cfg.ServerDir)
		require.Equal(t, 4000, cfg.Port)
		require.Equal(t, "fr", cfg.Lang)
		require.True(t, cfg.Secure)
		require.Len(t, cfg.Modules, 1)
	})

	t.Run("flags win over the file", func(t *testing.T) {
		cfg, err := ServerFlags{Config: path, Port: 5000, Insecure: true, Lang: "de", PinTimeout: 5, BindAddress: "127.0.0.1"}.Load()
		require.NoError(t, err)
		require.Equal(t, 5000, cfg.Port)
		require.False(t, cfg.Secure)
		require.Equal(t, "de", cfg.Lang)
		require.Equal(t, 5, cfg.PinTimeout)
		require.Equal(t, "127.0.0.1", cfg.BindAddress)
	})

	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := ServerFlags{}.Load()
		require.NoError(t, err)
		require.Equal(t, 3000, cfg.Port)
		require.Equal(t, 600, cfg.PinTimeout)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ServerFlags{Config: filepath.Join(dir, "missing.yaml")}.Load()
		require.Error(t, err)
	})
}

func TestCertsCmd(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	globals := &Globals{Stdout: &out}

	cmd := &CertsCmd{ServerFlags: ServerFlags{ServerDir: dir, Hostname: "buildhost"}}
	require.NoError(t, cmd.Run(context.Background(), globals))

	caPath := filepath.Join(dir, "certs", "ca-cert.pem")
	require.FileExists(t, caPath)
	require.Contains(t, out.String(), caPath)

	before, err := os.ReadFile(caPath)
	require.NoError(t, err)

	t.Run("ensure keeps existing material", func(t *testing.T) {
		require.NoError(t, cmd.Run(context.Background(), globals))
		after, err := os.ReadFile(caPath)
		require.NoError(t, err)
		require.Equal(t, before, after)
	})

	t.Run("force regenerates", func(t *testing.T) {
		force := &CertsCmd{ServerFlags: cmd.ServerFlags, Force: true}
		require.NoError(t, force.Run(context.Background(), globals))
		after, err := os.ReadFile(caPath)
		require.NoError(t, err)
		require.NotEqual(t, before, after)
	})

	t.Run("print ca", func(t *testing.T) {
		var pemOut bytes.Buffer
		printCA := &CertsCmd{ServerFlags: cmd.ServerFlags, PrintCA: true}
		require.NoError(t, printCA.Run(context.Background(), &Globals{Stdout: &pemOut}))

		onDisk, err := os.ReadFile(caPath)
		require.NoError(t, err)
		require.Equal(t, string(onDisk), pemOut.String())
	})
}

func TestModulesCmd(t *testing.T) {
	var out bytes.Buffer
	globals := &Globals{Version: "test", Stdout: &out}

	path := writeConfig(t, `
modules:
  health:
    mountPath: /health/
    loadLocator: status
  build:
    mountPath: ios
`)

	cmd := &ModulesCmd{ServerFlags: ServerFlags{Config: path}, Describe: true}
	require.NoError(t, cmd.Run(context.Background(), globals))

	output := out.String()
	require.Contains(t, output, "  status\n")
	require.Contains(t, output, "requireClientCert")
	require.Regexp(t, `health\s+/health\s+status \(ok\)`, output)
	require.Regexp(t, `build\s+/ios\s+build \(unknown locator\)`, output)

	t.Run("conflicts are reported", func(t *testing.T) {
		path := writeConfig(t, `
modules:
  a:
    mountPath: same
  b:
    mountPath: same
`)
		err := (&ModulesCmd{ServerFlags: ServerFlags{Config: path}}).Run(context.Background(), &Globals{})
		require.ErrorContains(t, err, `"same"`)
	})
}

func TestPairCmd(t *testing.T) {
	dir := t.TempDir()

	cfg, err := ServerFlags{ServerDir: dir, Hostname: "localhost", PinTimeout: 30}.Load()
	require.NoError(t, err)
	cfg.Port = 0

	srv := server.New(cfg, server.Options{Logger: zerolog.Nop()})
	require.NoError(t, srv.Start(context.Background()))
	defer func() { require.NoError(t, srv.Stop(context.Background())) }()

	pin, ok := srv.LivePin()
	require.True(t, ok)

	var out bytes.Buffer
	bundlePath := filepath.Join(t.TempDir(), "client.pfx")
	cmd := &PairCmd{
		Pin:     pin.Code,
		Host:    "127.0.0.1",
		Port:    srv.Port(),
		Out:     bundlePath,
		CACert:  filepath.Join(dir, "certs", "ca-cert.pem"),
		Retries: 1,
		Timeout: 5 * time.Second,
	}

	require.NoError(t, cmd.Run(context.Background(), &Globals{Stdout: &out}))
	require.FileExists(t, bundlePath)
	require.Contains(t, out.String(), "remotebuild-client-"+pin.Code)

	t.Run("a used pin is rejected", func(t *testing.T) {
		err := cmd.Run(context.Background(), &Globals{})
		require.ErrorContains(t, err, "was not accepted")
	})
}

func TestServeCmd(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`
serverDir: %s
port: 0
secure: false
modules:
  status:
    mountPath: status
`, t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := &ServeCmd{ServerFlags: ServerFlags{Config: path}, StopTimeout: 5 * time.Second}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Run(ctx, &Globals{Version: "test", Stdout: out})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "listening on port")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeCmd_portInUseIsLocalized(t *testing.T) {
	dir := t.TempDir()

	cfg, err := ServerFlags{ServerDir: dir, Insecure: true}.Load()
	require.NoError(t, err)
	cfg.Port = 0

	holder := server.New(cfg, server.Options{Logger: zerolog.Nop()})
	require.NoError(t, holder.Start(context.Background()))
	defer func() { require.NoError(t, holder.Stop(context.Background())) }()

	cmd := &ServeCmd{
		ServerFlags: ServerFlags{ServerDir: dir, Insecure: true, Port: holder.Port(), Lang: "fr"},
		StopTimeout: time.Second,
	}

	err = cmd.Run(context.Background(), &Globals{})
	require.EqualError(t, err, fmt.Sprintf("Impossible de démarrer le serveur sur le port %d. Adresse déjà utilisée.", holder.Port()))

	var portErr *server.PortInUseError
	require.ErrorAs(t, err, &portErr)
}
