package pki

import (
	"crypto/x509"
)

// CASigner signs certificate templates to create certificates.
// FileSigner is the implementation backed by the PEM files under the server directory.
type CASigner interface {
	// SignCertificate signs a certificate template and returns the DER-encoded certificate bytes.
	// The template must be fully populated with all required fields (subject, validity, extensions, etc.).
	SignCertificate(template *x509.Certificate) ([]byte, error)

	// GetCACertificate returns the CA certificate (public key only).
	GetCACertificate() (*x509.Certificate, error)
}
