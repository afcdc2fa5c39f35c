package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// Custom OID arc: 1.3.6.1.4.1.99999.2.x (temporary private arc)
var (
	// OIDRemoteBuildArc is the base OID for all remote build extensions
	OIDRemoteBuildArc = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2}

	// OIDPairingPin carries the pin a client certificate was issued for
	// Value: UTF8String
	OIDPairingPin = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2, 1}
)

// ErrExtensionNotFound is returned when a required extension is missing
var ErrExtensionNotFound = errors.New("extension not found")

func pinExtension(pin string) (pkix.Extension, error) {
	value, err := asn1.MarshalWithParams(pin, "utf8")
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to marshal pairing pin: %w", err)
	}
	return pkix.Extension{Id: OIDPairingPin, Critical: false, Value: value}, nil
}

// ExtractPin extracts the pairing pin from the custom OID extension
func ExtractPin(cert *x509.Certificate) (string, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDPairingPin) {
			var pin string
			if _, err := asn1.Unmarshal(ext.Value, &pin); err != nil {
				return "", fmt.Errorf("failed to unmarshal pairing pin: %w", err)
			}
			return pin, nil
		}
	}
	return "", ErrExtensionNotFound
}
