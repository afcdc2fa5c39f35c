package pairing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/remotebuild/internal/telemetry"
	"github.com/wolfeidau/remotebuild/internal/util"
)

const (
	bundleFileName  = "client.pfx"
	maxCodeAttempts = 5
)

// BundleIssuer produces a client certificate bundle bound to a pin.
type BundleIssuer interface {
	IssueClientBundle(pin string, notAfter time.Time) ([]byte, error)
}

// Options configures a Registry.
type Options struct {
	// Dir receives <pin>/client.pfx for every live pin; empty keeps bundles in memory only
	Dir string
	// Timeout is the default pin lifetime
	Timeout time.Duration
	// ClientCertTTL extends the client certificate validity past the pin expiry
	ClientCertTTL time.Duration
	// CodeLength is the number of digits per pin, defaults to DefaultCodeLength
	CodeLength int
	// MaxFailures is how many unknown pins one client may present before it is
	// throttled, defaults to DefaultMaxFailures
	MaxFailures int
	// FailureRecovery is how long a throttled client waits per extra attempt,
	// defaults to DefaultFailureRecovery
	FailureRecovery time.Duration
	Logger          zerolog.Logger
	// Now overrides the clock used for expiry
	Now func() time.Time
}

// Registry issues pins and hands out each pin's bundle at most once.
//
// The in-memory map is the source of truth for consumption; the files under Dir
// are a write-through copy for operators and are removed when a pin leaves the map.
type Registry struct {
	issuer        BundleIssuer
	dir           string
	timeout       time.Duration
	clientCertTTL time.Duration
	codeLength    int
	logger        zerolog.Logger
	now           func() time.Time
	metrics       *telemetry.Metrics
	failures      *failureLimiter

	mu     sync.Mutex
	pins   map[string]*Pin
	closed bool

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

// NewRegistry creates a Registry. Bundles left in Dir by a previous process are
// discarded, since they may be signed by different CA material.
func NewRegistry(issuer BundleIssuer, opts Options) (*Registry, error) {
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("pin timeout must be positive, got %s", opts.Timeout)
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = DefaultCodeLength
	}
	if opts.CodeLength > 18 {
		return nil, fmt.Errorf("pin code length %d exceeds 18 digits", opts.CodeLength)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.FailureRecovery <= 0 {
		opts.FailureRecovery = DefaultFailureRecovery
	}

	if opts.Dir != "" {
		if err := os.RemoveAll(opts.Dir); err != nil {
			return nil, fmt.Errorf("failed to discard stale client bundles: %w", err)
		}
		if err := os.MkdirAll(opts.Dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create client bundle directory: %w", err)
		}
	}

	return &Registry{
		issuer:        issuer,
		dir:           opts.Dir,
		timeout:       opts.Timeout,
		clientCertTTL: opts.ClientCertTTL,
		codeLength:    opts.CodeLength,
		logger:        opts.Logger.With().Str("component", "pairing").Logger(),
		now:           opts.Now,
		metrics:       telemetry.GetMetrics(),
		failures:      newFailureLimiter(opts.MaxFailures, opts.FailureRecovery, opts.Now),
		pins:          make(map[string]*Pin),
	}, nil
}

// Issue creates a new pin valid for ttl, or the registry timeout when ttl is zero.
// Any pin that is still live is invalidated and its bundle removed.
func (r *Registry) Issue(ttl time.Duration) (Pin, error) {
	if ttl <= 0 {
		ttl = r.timeout
	}

	code, err := r.newCode()
	if err != nil {
		return Pin{}, err
	}

	issuedAt := r.now()
	expiresAt := issuedAt.Add(ttl)

	bundle, err := r.issuer.IssueClientBundle(code, expiresAt.Add(r.clientCertTTL))
	if err != nil {
		return Pin{}, err
	}

	if err := r.writeBundle(code, bundle); err != nil {
		r.removeBundle(code)
		return Pin{}, err
	}

	pin := &Pin{
		Code:      code,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		State:     StateIssued,
		Bundle:    bundle,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.removeBundle(code)
		return Pin{}, ErrRegistryClosed
	}

	var invalidated []string
	for other := range r.pins {
		delete(r.pins, other)
		if other != code {
			invalidated = append(invalidated, other)
		}
	}
	r.pins[code] = pin
	r.mu.Unlock()

	for _, other := range invalidated {
		r.removeBundle(other)
	}

	r.metrics.PinsIssuedTotal.Add(context.Background(), 1)
	r.logger.Info().
		Time("expires_at", expiresAt).
		Int("invalidated", len(invalidated)).
		Msg("Issued pairing pin")

	return r.snapshot(pin, true), nil
}

// TryConsume returns the bundle for code exactly once. Unknown, consumed and expired
// codes return ErrPinNotFound.
func (r *Registry) TryConsume(code string) ([]byte, error) {
	r.mu.Lock()
	pin, ok := r.pins[code]
	if !ok {
		r.mu.Unlock()
		r.metrics.PinsRejectedTotal.Add(context.Background(), 1)
		return nil, ErrPinNotFound
	}

	// whichever caller removes the entry owns the outcome
	delete(r.pins, code)

	if !r.now().Before(pin.ExpiresAt) {
		pin.State = StateExpired
		r.mu.Unlock()

		r.removeBundle(code)
		r.metrics.PinsExpiredTotal.Add(context.Background(), 1)
		r.metrics.PinsRejectedTotal.Add(context.Background(), 1)
		return nil, ErrPinNotFound
	}

	pin.State = StateConsumed
	bundle := pin.Bundle
	pin.Bundle = nil
	r.mu.Unlock()

	r.removeBundle(code)
	r.metrics.PinsConsumedTotal.Add(context.Background(), 1)
	r.logger.Info().Msg("Pairing pin consumed")

	return bundle, nil
}

// Live returns the current live pin without its bundle.
func (r *Registry) Live() (Pin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, pin := range r.pins {
		if pin.Live(now) {
			return r.snapshot(pin, false), true
		}
	}

	return Pin{}, false
}

// Sweep removes expired pins and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var expired []string
	for code, pin := range r.pins {
		if !now.Before(pin.ExpiresAt) {
			pin.State = StateExpired
			delete(r.pins, code)
			expired = append(expired, code)
		}
	}
	r.mu.Unlock()

	for _, code := range expired {
		r.removeBundle(code)
	}

	r.failures.prune()

	if len(expired) > 0 {
		r.metrics.PinsExpiredTotal.Add(context.Background(), int64(len(expired)))
		r.logger.Debug().Int("count", len(expired)).Msg("Swept expired pins")
	}

	return len(expired)
}

// StartSweeper removes expired pins every interval until Close is called.
func (r *Registry) StartSweeper(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.sweepCancel = cancel

	r.sweepWG.Add(1)
	go r.sweepLoop(ctx, interval)
}

func (r *Registry) sweepLoop(ctx context.Context, interval time.Duration) {
	defer r.sweepWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close stops the sweeper and discards every pin and bundle. It is safe to call
// more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.sweepCancel
	codes := make([]string, 0, len(r.pins))
	for code := range r.pins {
		codes = append(codes, code)
	}
	clear(r.pins)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.sweepWG.Wait()
	}

	for _, code := range codes {
		r.removeBundle(code)
	}

	if r.dir != "" {
		if err := os.RemoveAll(r.dir); err != nil {
			return fmt.Errorf("failed to remove client bundle directory: %w", err)
		}
	}

	return nil
}

// BundlePath returns where the bundle for code is written, or "" when the
// registry keeps bundles in memory only.
func (r *Registry) BundlePath(code string) string {
	if r.dir == "" {
		return ""
	}
	return filepath.Join(r.dir, code, bundleFileName)
}

func (r *Registry) newCode() (string, error) {
	for range maxCodeAttempts {
		code, err := generateCode(r.codeLength)
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		_, exists := r.pins[code]
		r.mu.Unlock()

		if !exists {
			return code, nil
		}
	}

	return "", ErrCodeCollision
}

func (r *Registry) writeBundle(code string, bundle []byte) error {
	if r.dir == "" {
		return nil
	}

	pinDir := filepath.Join(r.dir, code)
	if err := os.MkdirAll(pinDir, 0700); err != nil {
		return fmt.Errorf("failed to create pin directory: %w", err)
	}

	if err := util.WriteFileAtomic(filepath.Join(pinDir, bundleFileName), bundle, 0600); err != nil {
		return fmt.Errorf("failed to write client bundle: %w", err)
	}

	return nil
}

func (r *Registry) removeBundle(code string) {
	if r.dir == "" {
		return
	}

	if err := os.RemoveAll(filepath.Join(r.dir, code)); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn().Err(err).Msg("Failed to remove client bundle")
	}
}

func (r *Registry) snapshot(pin *Pin, withBundle bool) Pin {
	out := *pin
	out.Bundle = nil
	if withBundle {
		out.Bundle = append([]byte(nil), pin.Bundle...)
	}
	return out
}
