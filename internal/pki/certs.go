package pki

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ParseCertificate parses a PEM-encoded x509 certificate.
func ParseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, &DecodeError{Err: errors.New("no PEM block containing a certificate")}
	}
	if block.Type != "CERTIFICATE" {
		return nil, &DecodeError{Err: fmt.Errorf("unexpected PEM block type: %s", block.Type)}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("failed to parse certificate: %w", err)}
	}
	return cert, nil
}

// ParseCertificateDER parses a DER-encoded certificate as the CA returns it.
func ParseCertificateDER(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("failed to parse DER certificate: %w", err)}
	}
	return cert, nil
}

// LoadCertificate reads and parses a PEM-encoded certificate file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	cert, err := ParseCertificate(pemBytes)
	if err != nil {
		var dErr *DecodeError
		if errors.As(err, &dErr) {
			dErr.Path = path
		}
		return nil, err
	}
	return cert, nil
}

// EncodeCertificate encodes an x509 certificate into PEM format.
func EncodeCertificate(cert *x509.Certificate) []byte {
	pemBlock := &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}
	return pem.EncodeToMemory(pemBlock)
}

// SaveCertificate writes a certificate to path in PEM form.
func SaveCertificate(path string, cert *x509.Certificate) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", path, err)
	}
	if err := os.WriteFile(path, EncodeCertificate(cert), 0644); err != nil {
		return fmt.Errorf("failed to write certificate '%s': %w", path, err)
	}
	return nil
}

// Validity returns the certificate's validity window normalized to UTC.
func Validity(cert *x509.Certificate) (notBefore, notAfter time.Time) {
	return cert.NotBefore.UTC(), cert.NotAfter.UTC()
}
