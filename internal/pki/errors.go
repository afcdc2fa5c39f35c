package pki

import (
	"errors"

	"github.com/wolfeidau/remotebuild/internal/i18n"
)

var (
	// ErrInvalidPEM indicates a file does not hold the expected PEM block
	ErrInvalidPEM = errors.New("invalid PEM data")
	// ErrCANotLoaded indicates the CA has not been created or loaded yet
	ErrCANotLoaded = errors.New("certificate authority not loaded")
	// ErrNotClientCertificate indicates a certificate was not issued for client pairing
	ErrNotClientCertificate = errors.New("not a pairing client certificate")
)

// CertificateGenerationError reports key or certificate material that could not be
// produced, read or written.
type CertificateGenerationError struct {
	Op   string
	Path string
	Err  error
}

func (e *CertificateGenerationError) Error() string {
	return e.Localize(i18n.DefaultLang)
}

func (e *CertificateGenerationError) Localize(lang string) string {
	op := e.Op
	if e.Path != "" {
		op = op + " " + e.Path
	}
	return i18n.Sprintf(lang, i18n.CertificateGeneration, op, e.Err)
}

func (e *CertificateGenerationError) Unwrap() error {
	return e.Err
}
