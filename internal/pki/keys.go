package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ParsePrivateKey parses a PEM-encoded private key. PKCS#1, SEC1 and PKCS#8
// encodings are accepted.
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, &DecodeError{Err: errors.New("no PEM block containing a private key")}
	}

	var privKey crypto.Signer
	var err error

	switch block.Type {
	case "RSA PRIVATE KEY":
		privKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			signer, ok := parsed.(crypto.Signer)
			if !ok {
				return nil, &DecodeError{Err: fmt.Errorf("PKCS#8 key of type %T cannot sign", parsed)}
			}
			privKey = signer
		}
	default:
		return nil, &DecodeError{Err: fmt.Errorf("unsupported private key type: %s", block.Type)}
	}

	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("failed to parse private key: %w", err)}
	}
	return privKey, nil
}

// LoadPrivateKey reads and parses a PEM-encoded private key file.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	key, err := ParsePrivateKey(pemBytes)
	if err != nil {
		var dErr *DecodeError
		if errors.As(err, &dErr) {
			dErr.Path = path
		}
		return nil, err
	}
	return key, nil
}

// EncodePrivateKey encodes a private key (RSA or ECDSA) into PEM format.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("unsupported private key type")
	}

	pemBlock := &pem.Block{
		Type:  pemType,
		Bytes: keyBytes,
	}
	return pem.EncodeToMemory(pemBlock), nil
}

// GenerateRSAKey creates a new RSA private key of the given bit size.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}
	return key, nil
}

// SavePrivateKey writes a key to path in PEM form with restricted permissions.
func SavePrivateKey(path string, key crypto.Signer) error {
	pemBytes, err := EncodePrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", path, err)
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return fmt.Errorf("failed to write private key '%s': %w", path, err)
	}
	return nil
}

// EnsureKey loads the key at path, generating and saving a fresh RSA key of
// the given bit size when no file exists yet. The second return value reports
// whether a new key was generated.
func EnsureKey(path string, bits int) (crypto.Signer, bool, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := LoadPrivateKey(path)
		return key, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to check key file '%s': %w", path, err)
	}

	key, err := GenerateRSAKey(bits)
	if err != nil {
		return nil, false, err
	}
	if err := SavePrivateKey(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
