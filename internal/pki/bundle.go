package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// ClientBundle is a decoded client.pfx.
type ClientBundle struct {
	PrivateKey  any
	Certificate *x509.Certificate
	CACerts     []*x509.Certificate
}

// DecodeClientBundle opens a PKCS#12 bundle issued for pin.
func DecodeClientBundle(data []byte, pin string) (*ClientBundle, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, pin)
	if err != nil {
		return nil, fmt.Errorf("failed to decode client bundle: %w", err)
	}

	return &ClientBundle{
		PrivateKey:  key,
		Certificate: cert,
		CACerts:     caCerts,
	}, nil
}

// Pin returns the pairing pin the bundle certificate was issued for.
func (b *ClientBundle) Pin() (string, error) {
	return ExtractPin(b.Certificate)
}

// TLSCertificate returns the bundle as a tls.Certificate for mutual TLS.
func (b *ClientBundle) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{b.Certificate.Raw},
		PrivateKey:  b.PrivateKey,
		Leaf:        b.Certificate,
	}
}

// RootCAs returns a pool of the CA certificates shipped in the bundle.
func (b *ClientBundle) RootCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, ca := range b.CACerts {
		pool.AddCert(ca)
	}
	return pool
}
