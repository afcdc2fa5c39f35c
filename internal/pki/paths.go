package pki

import "path/filepath"

// Paths locates the certificate material under a server data directory.
type Paths struct {
	Dir        string
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
	ClientDir  string
}

// NewPaths returns the certificate layout rooted at serverDir/certs.
func NewPaths(serverDir string) Paths {
	dir := filepath.Join(serverDir, "certs")
	return Paths{
		Dir:        dir,
		CACert:     filepath.Join(dir, "ca-cert.pem"),
		CAKey:      filepath.Join(dir, "ca-key.pem"),
		ServerCert: filepath.Join(dir, "server-cert.pem"),
		ServerKey:  filepath.Join(dir, "server-key.pem"),
		ClientDir:  filepath.Join(dir, "client"),
	}
}

// ClientBundle returns the transient bundle path for pin.
func (p Paths) ClientBundle(pin string) string {
	return filepath.Join(p.ClientDir, pin, "client.pfx")
}

// all returns the four CertStore artifacts in a fixed order.
func (p Paths) all() []string {
	return []string{p.CACert, p.CAKey, p.ServerCert, p.ServerKey}
}
