package status

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/remotebuild/internal/config"
	"github.com/wolfeidau/remotebuild/internal/modules"
	"github.com/wolfeidau/remotebuild/internal/pki"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func load(t *testing.T, server modules.ServerConfig, cfg config.ModuleConfig, caps modules.Capabilities) *modules.Mounted {
	t.Helper()

	catalog := modules.NewCatalog()
	catalog.MustRegister(Locator, &Factory{Version: "v1.2.3"})

	mounted, err := modules.LoadAll(context.Background(), catalog, server, []config.ModuleConfig{cfg}, caps)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = modules.ShutdownAll(context.Background(), mounted, time.Second, zerolog.Nop())
	})

	return mounted[0]
}

func serve(m *modules.Mounted) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(m.Prefix()+"/", http.StripPrefix(m.Prefix(), m.Router))
	return mux
}

func TestStatus_insecure(t *testing.T) {
	m := load(t,
		modules.ServerConfig{Hostname: "buildhost", Lang: "en"},
		config.ModuleConfig{Name: "status", MountPath: "status"},
		modules.Capabilities{Logger: zerolog.Nop()},
	)

	srv := httptest.NewServer(serve(m))
	defer srv.Close()

	t.Run("rpc", func(t *testing.T) {
		client := connect.NewClient[emptypb.Empty, structpb.Struct](srv.Client(), srv.URL+"/status"+GetStatusProcedure)

		resp, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
		require.NoError(t, err)

		fields := resp.Msg.AsMap()
		require.Equal(t, "status", fields["module"])
		require.Equal(t, "v1.2.3", fields["version"])
		require.Equal(t, false, fields["secure"])
		require.Equal(t, "buildhost", fields["hostname"])
		require.NotContains(t, fields, "client")
	})

	t.Run("json", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/status/")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var doc map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		require.Equal(t, "status", doc["module"])
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/status/nope")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestStatus_secure(t *testing.T) {
	authority := pki.NewAuthority(t.TempDir(), "buildhost", zerolog.Nop())
	store, err := authority.Ensure()
	require.NoError(t, err)

	m := load(t,
		modules.ServerConfig{Secure: true, Hostname: "buildhost"},
		config.ModuleConfig{Name: "status", MountPath: "status"},
		modules.Capabilities{CertStore: store, Logger: zerolog.Nop()},
	)

	srv := httptest.NewUnstartedServer(serve(m))
	srv.TLS = store.TLSConfig()
	srv.StartTLS()
	defer srv.Close()

	t.Run("unpaired client is rejected", func(t *testing.T) {
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: store.ClientTLSConfig()}}

		resp, err := client.Get(srv.URL + "/status/")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("paired client sees itself", func(t *testing.T) {
		data, err := authority.IssueClientBundle("87654321", time.Now().Add(time.Minute))
		require.NoError(t, err)
		bundle, err := pki.DecodeClientBundle(data, "87654321")
		require.NoError(t, err)

		httpClient := &http.Client{Transport: &http.Transport{
			TLSClientConfig: store.ClientTLSConfig(bundle.TLSCertificate()),
		}}
		client := connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, srv.URL+"/status"+GetStatusProcedure)

		resp, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
		require.NoError(t, err)

		fields := resp.Msg.AsMap()
		require.Equal(t, true, fields["secure"])
		clientInfo, ok := fields["client"].(map[string]any)
		require.True(t, ok)
		require.Equal(t, pki.ClientCommonName("87654321"), clientInfo["common_name"])
	})
}

func TestFactory_Create(t *testing.T) {
	f := &Factory{}

	t.Run("client certificates need secure mode", func(t *testing.T) {
		cfg := config.ModuleConfig{Name: "status", Options: map[string]any{"requireClientCert": true}}

		_, err := f.Create(context.Background(), modules.ServerConfig{}, cfg, modules.Capabilities{Logger: zerolog.Nop()})
		require.Error(t, err)
	})

	t.Run("secure server defaults to requiring client certificates", func(t *testing.T) {
		cfg := f.DefaultConfig(modules.ServerConfig{Secure: true}, config.ModuleConfig{Name: "status"})
		require.True(t, cfg.Bool("requireClientCert", false))

		cfg = f.DefaultConfig(modules.ServerConfig{Secure: true}, config.ModuleConfig{
			Name:    "status",
			Options: map[string]any{"requireClientCert": false},
		})
		require.False(t, cfg.Bool("requireClientCert", true))
	})

	t.Run("cors preflight", func(t *testing.T) {
		cfg := config.ModuleConfig{Name: "status", Options: map[string]any{"corsOrigins": []any{"https://dash.example"}}}

		mod, err := f.Create(context.Background(), modules.ServerConfig{}, cfg, modules.Capabilities{Logger: zerolog.Nop()})
		require.NoError(t, err)

		r := httptest.NewRequest(http.MethodOptions, GetStatusProcedure, nil)
		r.Header.Set("Origin", "https://dash.example")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()

		mod.Router().ServeHTTP(w, r)

		require.Equal(t, "https://dash.example", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("shutdown is idempotent", func(t *testing.T) {
		mod, err := f.Create(context.Background(), modules.ServerConfig{}, config.ModuleConfig{Name: "status"}, modules.Capabilities{Logger: zerolog.Nop()})
		require.NoError(t, err)

		require.NoError(t, mod.Shutdown(context.Background()))
		require.NoError(t, mod.Shutdown(context.Background()))
	})
}

func TestFactory_PrintHelp(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&Factory{}).PrintHelp(&buf, modules.ServerConfig{Secure: true}, config.ModuleConfig{}))

	out, err := io.ReadAll(&buf)
	require.NoError(t, err)
	require.Contains(t, string(out), "requireClientCert")
	require.Contains(t, string(out), "default: true")
}
