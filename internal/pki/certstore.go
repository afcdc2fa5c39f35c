package pki

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// CertStore holds the CA and server material rooting the server's TLS identity.
// It is immutable once created; the CA private key never leaves the store.
type CertStore struct {
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	serverCert *x509.Certificate
	serverKey  *ecdsa.PrivateKey
	serverPair tls.Certificate
	caPool     *x509.CertPool
}

func newCertStore(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, serverCert *x509.Certificate, serverKey *ecdsa.PrivateKey) (*CertStore, error) {
	if err := verifyCertKeyPair(caCert, caKey); err != nil {
		return nil, fmt.Errorf("CA key and certificate do not match: %w", err)
	}
	if err := verifyCertKeyPair(serverCert, serverKey); err != nil {
		return nil, fmt.Errorf("server key and certificate do not match: %w", err)
	}
	if err := serverCert.CheckSignatureFrom(caCert); err != nil {
		return nil, fmt.Errorf("server certificate is not signed by the CA: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &CertStore{
		caCert:     caCert,
		caKey:      caKey,
		serverCert: serverCert,
		serverKey:  serverKey,
		serverPair: tls.Certificate{
			Certificate: [][]byte{serverCert.Raw, caCert.Raw},
			PrivateKey:  serverKey,
			Leaf:        serverCert,
		},
		caPool: pool,
	}, nil
}

// CACertificate returns the CA certificate.
func (c *CertStore) CACertificate() *x509.Certificate {
	return c.caCert
}

// ServerCertificate returns the server leaf certificate.
func (c *CertStore) ServerCertificate() *x509.Certificate {
	return c.serverCert
}

// CAPool returns a pool containing only the CA certificate.
func (c *CertStore) CAPool() *x509.CertPool {
	return c.caPool
}

// CACertPEM returns the PEM encoded CA certificate.
func (c *CertStore) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.caCert.Raw})
}

// TLSConfig creates a server tls.Config. Client certificates signed by the CA are
// verified when presented but not required, so pins can be redeemed by clients
// that have no certificate yet.
func (c *CertStore) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.serverPair},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    c.caPool,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig creates a client tls.Config that trusts only the CA.
// An optional client certificate is presented for mutual TLS.
func (c *CertStore) ClientTLSConfig(clientCert ...tls.Certificate) *tls.Config {
	return &tls.Config{
		RootCAs:      c.caPool,
		Certificates: clientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// VerifyClient checks cert chains to the CA and is usable for client authentication.
func (c *CertStore) VerifyClient(cert *x509.Certificate) error {
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     c.caPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err
}
