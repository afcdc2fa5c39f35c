package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/remotebuild/internal/pki"
)

func testClient() *Client {
	cfg := DefaultConfig()
	cfg.MaxTries = 3
	cfg.InitialInterval = time.Millisecond
	return New(cfg)
}

func TestClient_Download(t *testing.T) {
	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/certs/12345678", r.URL.Path)
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("bundle"))
		}))
		defer srv.Close()

		data, err := testClient().Download(context.Background(), srv.URL, "12345678")
		require.NoError(t, err)
		require.Equal(t, []byte("bundle"), data)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("not found is final", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.NotFound(w, r)
		}))
		defer srv.Close()

		_, err := testClient().Download(context.Background(), srv.URL, "12345678")
		require.ErrorIs(t, err, ErrPinRejected)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after max tries", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := testClient().Download(context.Background(), srv.URL, "12345678")
		require.ErrorContains(t, err, "502")
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("throttled is final", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := testClient().Download(context.Background(), srv.URL, "12345678")
		require.ErrorIs(t, err, ErrPinThrottled)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("connection dropped after the request is final", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
		}))
		defer srv.Close()

		_, err := testClient().Download(context.Background(), srv.URL, "12345678")
		require.ErrorIs(t, err, ErrBundleLost)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("truncated bundle is final", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Length", "1000")
			_, _ = w.Write([]byte("partial"))
		}))
		defer srv.Close()

		_, err := testClient().Download(context.Background(), srv.URL, "12345678")
		require.ErrorIs(t, err, ErrBundleLost)
		require.ErrorContains(t, err, "failed to read bundle")
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("refused connection is retried", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		_, err = testClient().Download(context.Background(), "http://"+addr, "12345678")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrBundleLost)
		require.True(t, notSent(err))
	})

	t.Run("base path is kept", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/prefix/certs/1", r.URL.Path)
			_, _ = w.Write([]byte("ok"))
		}))
		defer srv.Close()

		_, err := testClient().Download(context.Background(), srv.URL+"/prefix/", "1")
		require.NoError(t, err)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := testClient().Download(context.Background(), "ftp://host", "1")
		require.Error(t, err)

		_, err = testClient().Download(context.Background(), "https://host", "")
		require.Error(t, err)
	})
}

func TestClient_Pair(t *testing.T) {
	authority := pki.NewAuthority(t.TempDir(), "buildhost", zerolog.Nop())
	store, err := authority.Ensure()
	require.NoError(t, err)

	data, err := authority.IssueClientBundle("24681357", time.Now().Add(time.Minute))
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	srv.TLS = store.TLSConfig()
	srv.StartTLS()
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RootCAs = store.CAPool()
	c := New(cfg)

	t.Run("saves a verified bundle", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "paired", "client.pfx")

		bundle, err := c.Pair(context.Background(), srv.URL, "24681357", out)
		require.NoError(t, err)
		require.Equal(t, pki.ClientCommonName("24681357"), bundle.Certificate.Subject.CommonName)

		saved, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, data, saved)

		info, err := os.Stat(out)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("wrong pin cannot open the bundle", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "client.pfx")

		_, err := c.Pair(context.Background(), srv.URL, "00000000", out)
		require.Error(t, err)
		require.NoFileExists(t, out)
	})

	t.Run("untrusted server certificate is final", func(t *testing.T) {
		untrusted := New(DefaultConfig())

		_, err := untrusted.Download(context.Background(), srv.URL, "24681357")
		require.Error(t, err)
	})
}
