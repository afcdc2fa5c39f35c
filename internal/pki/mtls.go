package pki

import (
	"context"
	"net/http"

	"connectrpc.com/authn"
)

// ClientInfo describes a verified pairing client.
type ClientInfo struct {
	Pin          string
	CommonName   string
	SerialNumber string
}

// ClientCertAuthFunc returns an authn.AuthFunc that accepts only requests carrying a
// client certificate chained to store's CA and issued through pairing.
func ClientCertAuthFunc(store *CertStore) authn.AuthFunc {
	return func(ctx context.Context, req authn.Request) (any, error) {
		tlsState := req.TLS()
		if tlsState == nil {
			return nil, authn.Errorf("TLS required")
		}

		if len(tlsState.PeerCertificates) == 0 {
			return nil, authn.Errorf("valid client certificate required")
		}

		cert := tlsState.PeerCertificates[0]
		if err := store.VerifyClient(cert); err != nil {
			return nil, authn.Errorf("client certificate not trusted: %v", err)
		}

		pin, err := ExtractPin(cert)
		if err != nil {
			return nil, authn.Errorf("%v: %v", ErrNotClientCertificate, err)
		}

		return &ClientInfo{
			Pin:          pin,
			CommonName:   cert.Subject.CommonName,
			SerialNumber: cert.SerialNumber.Text(16),
		}, nil
	}
}

// RequireClientCert wraps next so that only paired clients reach it.
func RequireClientCert(store *CertStore, next http.Handler) http.Handler {
	return authn.NewMiddleware(ClientCertAuthFunc(store)).Wrap(next)
}
