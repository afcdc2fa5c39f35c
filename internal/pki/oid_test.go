package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractPin(t *testing.T) {
	t.Run("extract valid pin", func(t *testing.T) {
		ext, err := pinExtension("12345678")
		require.NoError(t, err)

		cert := &x509.Certificate{Extensions: []pkix.Extension{ext}}

		pin, err := ExtractPin(cert)
		require.NoError(t, err)
		require.Equal(t, "12345678", pin)
	})

	t.Run("missing extension returns error", func(t *testing.T) {
		cert := &x509.Certificate{
			Subject: pkix.Name{CommonName: "test"},
		}

		_, err := ExtractPin(cert)
		require.Equal(t, ErrExtensionNotFound, err)
	})

	t.Run("garbage value returns error", func(t *testing.T) {
		cert := &x509.Certificate{
			Extensions: []pkix.Extension{{Id: OIDPairingPin, Value: []byte{0xff, 0x01}}},
		}

		_, err := ExtractPin(cert)
		require.Error(t, err)
		require.NotEqual(t, ErrExtensionNotFound, err)
	})

	t.Run("extension sits under the remote build arc", func(t *testing.T) {
		require.Equal(t, OIDRemoteBuildArc, asn1.ObjectIdentifier(OIDPairingPin[:len(OIDRemoteBuildArc)]))
	})
}
