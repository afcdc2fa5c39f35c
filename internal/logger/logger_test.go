package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	httpmiddleware "github.com/wolfeidau/remotebuild/internal/http"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, false)

	log.Debug().Msg("hidden")
	log.Info().Msg("visible")

	require.NotContains(t, buf.String(), "hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "visible", entry["message"])
	require.Contains(t, entry, "time")
	require.Contains(t, entry, "caller")
}

func TestNew_dev(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, true)

	log.Debug().Msg("shown")

	require.Contains(t, buf.String(), "shown")
	require.Equal(t, zerolog.DebugLevel, log.GetLevel())
}

func TestHTTPRequests(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	redact := func(p string) string {
		if strings.HasPrefix(p, "/certs/") {
			return "/certs/{pin}"
		}
		return p
	}

	var fromCtx *zerolog.Logger
	handler := httpmiddleware.ClientIPMiddleware(true)(HTTPRequests(log, redact)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = zerolog.Ctx(r.Context())
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/certs/12345678", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusTeapot, w.Code)
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
	require.NotNil(t, fromCtx)
	require.NotContains(t, buf.String(), "12345678")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "/certs/{pin}", entry["path"])
	require.Equal(t, "203.0.113.9", entry["client_ip"])
	require.Equal(t, float64(http.StatusTeapot), entry["status"])
	require.Equal(t, float64(len("short and stout")), entry["bytes"])
	require.Equal(t, w.Header().Get(RequestIDHeader), entry["request_id"])
}

func TestHTTPRequests_serverError(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	handler := HTTPRequests(log, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "/fail", entry["path"])
}

func TestHTTPRequests_hijack(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	logged := HTTPRequests(log, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, rw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer conn.Close()

		_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: example\r\nConnection: Upgrade\r\n\r\nhello")
		_ = rw.Flush()
	}))

	var direct bool
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		logged.ServeHTTP(w, r)
	}))
	defer srv.Close()

	// websocket upgraders type-assert the writer directly
	asserting := HTTPRequests(zerolog.Nop(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, direct = w.(http.Hijacker)
	}))
	asserting.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, direct)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	<-done

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, float64(http.StatusSwitchingProtocols), entry["status"])
	require.Equal(t, "/stream", entry["path"])
}
