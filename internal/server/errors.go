package server

import (
	"errors"

	"github.com/wolfeidau/remotebuild/internal/i18n"
)

var (
	// ErrAlreadyStarted indicates Start was called on a server that is not stopped
	ErrAlreadyStarted = errors.New("server already started")
	// ErrNotRunning indicates the operation needs a running server
	ErrNotRunning = errors.New("server is not running")
	// ErrNotSecure indicates the operation needs secure mode
	ErrNotSecure = errors.New("server is not running in secure mode")
)

// PortInUseError reports that the listen port is held by another socket.
type PortInUseError struct {
	Port int
	Err  error
}

func (e *PortInUseError) Error() string {
	return e.Localize(i18n.DefaultLang)
}

func (e *PortInUseError) Localize(lang string) string {
	return i18n.Sprintf(lang, i18n.PortInUse, e.Port)
}

func (e *PortInUseError) Unwrap() error {
	return e.Err
}
