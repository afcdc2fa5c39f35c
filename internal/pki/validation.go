package pki

import (
	"crypto/x509"
	"time"
)

// CertValidation holds certificate validation results
type CertValidation struct {
	Expired       bool
	NotBefore     time.Time
	NotAfter      time.Time
	DaysRemaining int
	ShouldRotate  bool
}

// validateCertificate reports whether cert is expired or within rotationThreshold of expiry.
func validateCertificate(cert *x509.Certificate, now time.Time, rotationThreshold time.Duration) CertValidation {
	validation := CertValidation{
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		DaysRemaining: int(cert.NotAfter.Sub(now).Hours() / 24),
	}

	// Check if expired
	if now.After(cert.NotAfter) {
		validation.Expired = true
		validation.ShouldRotate = true
		return validation
	}

	// Check if within rotation threshold
	if cert.NotAfter.Sub(now) < rotationThreshold {
		validation.ShouldRotate = true
	}

	return validation
}

// Validate reports the validity of the CA and server certificates at now.
func (c *CertStore) Validate(now time.Time) (ca, server CertValidation) {
	return validateCertificate(c.caCert, now, caRotationThreshold),
		validateCertificate(c.serverCert, now, serverRotationThreshold)
}
