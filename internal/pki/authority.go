package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/remotebuild/internal/util"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 825 * 24 * time.Hour

	caRotationThreshold     = 365 * 24 * time.Hour
	serverRotationThreshold = 7 * 24 * time.Hour

	organization = "Remote Build"
)

// errRegenerate marks existing material that must be replaced as a whole.
var errRegenerate = errors.New("certificate material must be regenerated")

// Authority owns the CA for a server data directory and issues pairing bundles.
type Authority struct {
	paths    Paths
	hostname string
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	store  *CertStore
	signer CASigner
}

// NewAuthority creates an Authority for serverDir. hostname is added to the
// server certificate alongside the loopback names.
func NewAuthority(serverDir, hostname string, logger zerolog.Logger) *Authority {
	return &Authority{
		paths:    NewPaths(serverDir),
		hostname: hostname,
		logger:   logger.With().Str("component", "pki").Logger(),
		now:      time.Now,
	}
}

// Paths returns the certificate file layout.
func (a *Authority) Paths() Paths {
	return a.paths
}

// Ensure loads the CertStore from disk, generating all four artifacts together when
// any of them is missing, unparseable, mismatched or due for rotation.
func (a *Authority) Ensure() (*CertStore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.store != nil {
		return a.store, nil
	}

	if err := os.MkdirAll(a.paths.Dir, 0700); err != nil {
		return nil, &CertificateGenerationError{Op: "create directory", Path: a.paths.Dir, Err: err}
	}

	store, err := a.loadExisting()
	switch {
	case err == nil:
		a.logger.Info().
			Str("dir", a.paths.Dir).
			Time("ca_not_after", store.caCert.NotAfter).
			Msg("Using existing certificates")
		return a.use(store)
	case errors.Is(err, errRegenerate):
		a.logger.Warn().Err(err).Str("dir", a.paths.Dir).Msg("Generating new certificates")
	default:
		return nil, err
	}

	store, err = a.generate()
	if err != nil {
		return nil, err
	}

	return a.use(store)
}

// Regenerate replaces all certificate material unconditionally and removes client
// bundles signed by the previous CA.
func (a *Authority) Regenerate() (*CertStore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.paths.Dir, 0700); err != nil {
		return nil, &CertificateGenerationError{Op: "create directory", Path: a.paths.Dir, Err: err}
	}

	if err := os.RemoveAll(a.paths.ClientDir); err != nil {
		return nil, &CertificateGenerationError{Op: "remove client bundles", Path: a.paths.ClientDir, Err: err}
	}

	store, err := a.generate()
	if err != nil {
		return nil, err
	}

	return a.use(store)
}

// CertStore returns the loaded store, or nil before Ensure.
func (a *Authority) CertStore() *CertStore {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.store
}

// IssueClientBundle creates a client certificate bound to pin, valid until notAfter,
// and returns it as a PKCS#12 bundle protected with the pin.
func (a *Authority) IssueClientBundle(pin string, notAfter time.Time) ([]byte, error) {
	a.mu.RLock()
	signer := a.signer
	a.mu.RUnlock()

	if signer == nil {
		return nil, &CertificateGenerationError{Op: "issue client bundle", Err: ErrCANotLoaded}
	}

	caCert, err := signer.GetCACertificate()
	if err != nil {
		return nil, &CertificateGenerationError{Op: "load CA certificate", Err: err}
	}

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "generate client key", Err: err}
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, &CertificateGenerationError{Op: "generate serial number", Err: err}
	}

	ext, err := pinExtension(pin)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "encode pin extension", Err: err}
	}

	now := a.now()
	if notAfter.After(caCert.NotAfter) {
		notAfter = caCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   ClientCommonName(pin),
			Organization: []string{organization},
		},
		NotBefore:       now.Add(-time.Minute),
		NotAfter:        notAfter,
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		PublicKey:       &clientKey.PublicKey,
		ExtraExtensions: []pkix.Extension{ext},
	}

	clientCertDER, err := signer.SignCertificate(template)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "sign client certificate", Err: err}
	}

	clientCert, err := x509.ParseCertificate(clientCertDER)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "parse client certificate", Err: err}
	}

	bundle, err := pkcs12.Modern.Encode(clientKey, clientCert, []*x509.Certificate{caCert}, pin)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "encode client bundle", Err: err}
	}

	a.logger.Debug().
		Str("serial_number", serialNumber.Text(16)).
		Time("not_after", notAfter).
		Msg("Issued client certificate")

	return bundle, nil
}

// ClientCommonName returns the subject common name used for pin's client certificate.
func ClientCommonName(pin string) string {
	return "remotebuild-client-" + pin
}

func (a *Authority) use(store *CertStore) (*CertStore, error) {
	signer, err := newFileSigner(store.caKey, store.caCert)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "load CA signer", Err: err}
	}

	a.store = store
	a.signer = signer

	return store, nil
}

// loadExisting reads the four artifacts. Filesystem errors other than absence are
// returned as CertificateGenerationError; anything that calls for a fresh set is
// reported as errRegenerate.
func (a *Authority) loadExisting() (*CertStore, error) {
	contents := make(map[string][]byte, 4)
	var missing []string

	for _, path := range a.paths.all() {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, path)
			continue
		}
		if err != nil {
			return nil, &CertificateGenerationError{Op: "read", Path: path, Err: err}
		}
		contents[path] = data
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", errRegenerate, missing)
	}

	caCert, err := parseCertificatePEM(contents[a.paths.CACert])
	if err != nil {
		return nil, fmt.Errorf("%w: CA certificate: %v", errRegenerate, err)
	}
	caKey, err := parsePrivateKeyPEM(contents[a.paths.CAKey])
	if err != nil {
		return nil, fmt.Errorf("%w: CA key: %v", errRegenerate, err)
	}
	serverCert, err := parseCertificatePEM(contents[a.paths.ServerCert])
	if err != nil {
		return nil, fmt.Errorf("%w: server certificate: %v", errRegenerate, err)
	}
	serverKey, err := parsePrivateKeyPEM(contents[a.paths.ServerKey])
	if err != nil {
		return nil, fmt.Errorf("%w: server key: %v", errRegenerate, err)
	}

	if !caCert.IsCA {
		return nil, fmt.Errorf("%w: CA certificate is not a CA", errRegenerate)
	}

	store, err := newCertStore(caCert, caKey, serverCert, serverKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRegenerate, err)
	}

	if v := validateCertificate(caCert, a.now(), caRotationThreshold); v.ShouldRotate {
		return nil, fmt.Errorf("%w: CA certificate has %d days remaining", errRegenerate, v.DaysRemaining)
	}
	if v := validateCertificate(serverCert, a.now(), serverRotationThreshold); v.ShouldRotate {
		return nil, fmt.Errorf("%w: server certificate has %d days remaining", errRegenerate, v.DaysRemaining)
	}

	return store, nil
}

// generate creates a new CA and server certificate and writes all four artifacts.
func (a *Authority) generate() (*CertStore, error) {
	now := a.now()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "generate CA key", Err: err}
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, &CertificateGenerationError{Op: "generate serial number", Err: err}
	}

	caTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("Remote Build CA (%s)", a.hostname),
			Organization: []string{organization},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	// Self-sign the CA certificate
	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "create CA certificate", Err: err}
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "parse CA certificate", Err: err}
	}

	signer, err := newFileSigner(caKey, caCert)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "load CA signer", Err: err}
	}

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "generate server key", Err: err}
	}

	serialNumber, err = newSerialNumber()
	if err != nil {
		return nil, &CertificateGenerationError{Op: "generate serial number", Err: err}
	}

	dnsNames := []string{"localhost"}
	if a.hostname != "" && a.hostname != "localhost" {
		dnsNames = append([]string{a.hostname}, dnsNames...)
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   dnsNames[0],
			Organization: []string{organization},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(serverValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		PublicKey:   &serverKey.PublicKey,
	}

	serverCertDER, err := signer.SignCertificate(serverTemplate)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "create server certificate", Err: err}
	}

	serverCert, err := x509.ParseCertificate(serverCertDER)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "parse server certificate", Err: err}
	}

	store, err := newCertStore(caCert, caKey, serverCert, serverKey)
	if err != nil {
		return nil, &CertificateGenerationError{Op: "assemble certificate store", Err: err}
	}

	if err := a.save(store); err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("path_ca_cert", a.paths.CACert).
		Str("path_server_cert", a.paths.ServerCert).
		Strs("dns_names", dnsNames).
		Msg("Generated and saved CA and server certificates")

	return store, nil
}

func (a *Authority) save(store *CertStore) error {
	caKeyPEM, err := encodePrivateKeyPEM(store.caKey)
	if err != nil {
		return &CertificateGenerationError{Op: "encode CA key", Err: err}
	}
	serverKeyPEM, err := encodePrivateKeyPEM(store.serverKey)
	if err != nil {
		return &CertificateGenerationError{Op: "encode server key", Err: err}
	}

	files := []struct {
		path string
		data []byte
	}{
		{a.paths.CAKey, caKeyPEM},
		{a.paths.CACert, encodeCertificatePEM(store.caCert)},
		{a.paths.ServerKey, serverKeyPEM},
		{a.paths.ServerCert, encodeCertificatePEM(store.serverCert)},
	}

	for _, f := range files {
		if err := util.WriteFileAtomic(f.path, f.data, 0600); err != nil {
			return &CertificateGenerationError{Op: "write", Path: f.path, Err: err}
		}
	}

	return nil
}

func newSerialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}
