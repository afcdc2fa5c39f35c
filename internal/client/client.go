// Package client redeems pairing pins against a remote build server.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/remotebuild/internal/pki"
	"github.com/wolfeidau/remotebuild/internal/util"
)

var (
	// ErrPinRejected indicates the server does not know the pin, or it was already used
	ErrPinRejected = errors.New("pin rejected by server")
	// ErrPinThrottled indicates the server refuses more attempts from this client for now
	ErrPinThrottled = errors.New("pin attempts throttled by server")
	// ErrBundleLost indicates the request reached the server but the bundle did not
	// arrive; the server consumes a pin before sending it, so the pin is likely gone
	ErrBundleLost = errors.New("connection lost after the pin was sent")
)

// maxBundleSize caps the bundle download.
const maxBundleSize = 1 << 20

// Config holds the pairing client configuration.
type Config struct {
	// RootCAs verifies the server certificate; nil uses the system pool
	RootCAs *x509.CertPool
	// InsecureSkipVerify accepts any server certificate, needed on first contact
	// when the server CA is not yet known
	InsecureSkipVerify bool
	Timeout            time.Duration
	// MaxTries bounds download attempts for transient failures
	MaxTries        uint
	InitialInterval time.Duration
	Logger          zerolog.Logger
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxTries:        5,
		InitialInterval: 500 * time.Millisecond,
		Logger:          zerolog.Nop(),
	}
}

// Client downloads client bundles.
type Client struct {
	httpClient      *http.Client
	maxTries        uint
	initialInterval time.Duration
	logger          zerolog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		RootCAs:            cfg.RootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // first contact has no CA to verify against
		MinVersion:         tls.VersionTLS12,
	}
	transport.ForceAttemptHTTP2 = true

	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = 1
	}

	return &Client{
		httpClient:      &http.Client{Transport: transport, Timeout: cfg.Timeout},
		maxTries:        maxTries,
		initialInterval: cfg.InitialInterval,
		logger:          cfg.Logger,
	}
}

// Download fetches the bundle for pin from the server at baseURL. Failures to
// connect and 5xx responses are retried with exponential backoff. Any 4xx is final,
// and so is a failure after the request was sent, since the server consumes the
// pin before writing the bundle and a retry could only get 404.
func (c *Client) Download(ctx context.Context, baseURL, pin string) ([]byte, error) {
	target, err := bundleURL(baseURL, pin)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	if c.initialInterval > 0 {
		bo.InitialInterval = c.initialInterval
	}

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		data, err := c.fetch(ctx, target)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("Bundle download failed")
		}
		return data, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	)
}

func (c *Client) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var certErr *tls.CertificateVerificationError
		var recordErr tls.RecordHeaderError
		if errors.As(err, &certErr) || errors.As(err, &recordErr) {
			return nil, backoff.Permanent(err)
		}
		if !notSent(err) {
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrBundleLost, err))
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrPinRejected)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, backoff.Permanent(ErrPinThrottled)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("server returned %s", resp.Status)
	default:
		return nil, backoff.Permanent(fmt.Errorf("server returned %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize+1))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: failed to read bundle: %w", ErrBundleLost, err))
	}
	if len(data) > maxBundleSize {
		return nil, backoff.Permanent(fmt.Errorf("bundle exceeds %d bytes", maxBundleSize))
	}

	return data, nil
}

// notSent reports whether err happened before the request left this host, which
// makes a retry safe.
func notSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Pair downloads the bundle for pin, checks it opens with the pin and was issued
// for it, then writes it to outPath.
func (c *Client) Pair(ctx context.Context, baseURL, pin, outPath string) (*pki.ClientBundle, error) {
	data, err := c.Download(ctx, baseURL, pin)
	if err != nil {
		return nil, err
	}

	bundle, err := pki.DecodeClientBundle(data, pin)
	if err != nil {
		return nil, err
	}

	bound, err := bundle.Pin()
	if err != nil {
		return nil, fmt.Errorf("bundle is not a pairing bundle: %w", err)
	}
	if bound != pin {
		return nil, fmt.Errorf("bundle was issued for a different pin")
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := util.WriteFileAtomic(outPath, data, 0600); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("path", outPath).
		Time("not_after", bundle.Certificate.NotAfter).
		Msg("Saved client bundle")

	return bundle, nil
}

func bundleURL(baseURL, pin string) (string, error) {
	if pin == "" {
		return "", errors.New("pin is required")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}

	return u.JoinPath("certs", pin).String(), nil
}
