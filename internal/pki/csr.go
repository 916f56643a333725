package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
)

// NewCSR builds a DER-encoded certificate signing request. The first domain
// becomes the subject common name and every domain, including the first, is
// carried as a DNS subject alternative name. The request is signed with the
// SHA-256 scheme matching the key type.
func NewCSR(domains []string, key crypto.Signer) ([]byte, error) {
	if len(domains) == 0 {
		return nil, errors.New("at least one domain is required for a CSR")
	}

	var sigAlg x509.SignatureAlgorithm
	switch key.(type) {
	case *rsa.PrivateKey:
		sigAlg = x509.SHA256WithRSA
	case *ecdsa.PrivateKey:
		sigAlg = x509.ECDSAWithSHA256
	default:
		return nil, fmt.Errorf("unsupported key type %T for CSR", key)
	}

	template := x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: domains[0]},
		DNSNames:           domains,
		SignatureAlgorithm: sigAlg,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}
	return der, nil
}
