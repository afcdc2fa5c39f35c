package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DefaultCodeLength is the number of digits in a pin code.
const DefaultCodeLength = 8

var (
	// ErrPinNotFound indicates the pin is unknown, already consumed or expired
	ErrPinNotFound = errors.New("pin not found")
	// ErrRegistryClosed indicates the registry no longer issues pins
	ErrRegistryClosed = errors.New("pin registry closed")
	// ErrCodeCollision indicates a freshly generated code is already in use
	ErrCodeCollision = errors.New("pin code collision")
)

// State is the lifecycle position of a pin.
type State int

const (
	StateIssued State = iota
	StateConsumed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateConsumed:
		return "consumed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Pin is a single-use pairing code gating the download of one client bundle.
type Pin struct {
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	State     State
	// Bundle is the client certificate bundle; only populated on the value returned by Issue
	Bundle []byte
}

// Live reports whether the pin can still be redeemed at now.
func (p Pin) Live(now time.Time) bool {
	return p.State == StateIssued && now.Before(p.ExpiresAt)
}

// generateCode returns a uniformly random decimal code of exactly length digits.
// length must not exceed 18 so the code fits an int64.
func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate pin code: %w", err)
	}

	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}
