package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certsmith/internal/pki"
	"github.com/blockadesystems/certsmith/internal/testutils"
)

func TestPrivateKeyRoundTrip(t *testing.T) {
	t.Run("rsa pkcs1", func(t *testing.T) {
		key := testutils.GenerateTestKey(t)

		pemBytes, err := pki.EncodePrivateKey(key)
		require.NoError(t, err)
		assert.Contains(t, string(pemBytes), "RSA PRIVATE KEY")

		parsed, err := pki.ParsePrivateKey(pemBytes)
		require.NoError(t, err)
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		require.True(t, ok, "parsed key should be RSA")
		assert.True(t, rsaKey.Equal(key))
	})

	t.Run("ecdsa sec1", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		pemBytes, err := pki.EncodePrivateKey(key)
		require.NoError(t, err)
		assert.Contains(t, string(pemBytes), "EC PRIVATE KEY")

		parsed, err := pki.ParsePrivateKey(pemBytes)
		require.NoError(t, err)
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		require.True(t, ok, "parsed key should be ECDSA")
		assert.True(t, ecKey.Equal(key))
	})

	t.Run("rsa pkcs8", func(t *testing.T) {
		key := testutils.GenerateTestKey(t)
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

		parsed, err := pki.ParsePrivateKey(pemBytes)
		require.NoError(t, err)
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		require.True(t, ok)
		assert.True(t, rsaKey.Equal(key))
	})
}

func TestLoadPrivateKeyErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		path := filepath.Join(dir, "absent.key")
		_, err := pki.LoadPrivateKey(path)

		var decodeErr *pki.DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, path, decodeErr.Path)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("not pem", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.key")
		require.NoError(t, os.WriteFile(path, []byte("this is not a key"), 0600))

		_, err := pki.LoadPrivateKey(path)
		var decodeErr *pki.DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, path, decodeErr.Path, "the source file should be named in the error")
	})

	t.Run("wrong block type", func(t *testing.T) {
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x30}})
		_, err := pki.ParsePrivateKey(pemBytes)

		var decodeErr *pki.DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Contains(t, err.Error(), "unsupported private key type")
	})
}

func TestEnsureKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "account.key")

	key, created, err := pki.EnsureKey(path, 1024)
	require.NoError(t, err)
	assert.True(t, created, "first call should generate the key")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "key material must not be world-readable")

	again, created, err := pki.EnsureKey(path, 1024)
	require.NoError(t, err)
	assert.False(t, created, "second call should load the existing key")

	first, ok := key.(*rsa.PrivateKey)
	require.True(t, ok)
	second, ok := again.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, first.Equal(second), "the persisted key should round-trip")
}

func TestNewCSR(t *testing.T) {
	domains := []string{"a.example", "b.example", "c.example"}
	key := testutils.GenerateTestKey(t)

	der, err := pki.NewCSR(domains, key)
	require.NoError(t, err)

	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())

	assert.Equal(t, "a.example", csr.Subject.CommonName, "the first domain becomes the common name")
	assert.Equal(t, domains, csr.DNSNames, "every domain must appear as a SAN, in order")
	assert.Equal(t, x509.SHA256WithRSA, csr.SignatureAlgorithm)

	t.Run("empty domain list", func(t *testing.T) {
		_, err := pki.NewCSR(nil, key)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one domain")
	})

	t.Run("ecdsa key", func(t *testing.T) {
		ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		der, err := pki.NewCSR([]string{"ec.example"}, ecKey)
		require.NoError(t, err)
		csr, err := x509.ParseCertificateRequest(der)
		require.NoError(t, err)
		assert.Equal(t, x509.ECDSAWithSHA256, csr.SignatureAlgorithm)
	})
}

func TestCSRSignedBySigner(t *testing.T) {
	domains := []string{"round.example", "trip.example"}
	der, err := pki.NewCSR(domains, testutils.GenerateTestKey(t))
	require.NoError(t, err)

	cert := testutils.SignTestCSR(t, der)
	assert.Equal(t, domains, cert.DNSNames)
	assert.Equal(t, "round.example", cert.Subject.CommonName)
}

func TestCertificateCodec(t *testing.T) {
	der, err := pki.NewCSR([]string{"codec.example"}, testutils.GenerateTestKey(t))
	require.NoError(t, err)
	cert := testutils.SignTestCSR(t, der)

	t.Run("pem round-trip", func(t *testing.T) {
		pemBytes := pki.EncodeCertificate(cert)
		parsed, err := pki.ParseCertificate(pemBytes)
		require.NoError(t, err)
		assert.Equal(t, cert.Raw, parsed.Raw)
	})

	t.Run("der round-trip", func(t *testing.T) {
		parsed, err := pki.ParseCertificateDER(cert.Raw)
		require.NoError(t, err)
		assert.Equal(t, cert.SerialNumber, parsed.SerialNumber)
	})

	t.Run("save and load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "certs", "leaf.crt")
		require.NoError(t, pki.SaveCertificate(path, cert))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0644), info.Mode().Perm(), "certificates are public material")

		loaded, err := pki.LoadCertificate(path)
		require.NoError(t, err)
		assert.Equal(t, cert.Raw, loaded.Raw)
	})
}

func TestCertificateDecodeErrors(t *testing.T) {
	t.Run("garbage pem", func(t *testing.T) {
		_, err := pki.ParseCertificate([]byte("junk"))
		var decodeErr *pki.DecodeError
		require.ErrorAs(t, err, &decodeErr)
	})

	t.Run("wrong block type", func(t *testing.T) {
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte{0x30}})
		_, err := pki.ParseCertificate(pemBytes)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected PEM block type")
	})

	t.Run("garbage der", func(t *testing.T) {
		_, err := pki.ParseCertificateDER([]byte{0xde, 0xad, 0xbe, 0xef})
		var decodeErr *pki.DecodeError
		require.ErrorAs(t, err, &decodeErr)
	})

	t.Run("missing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent.crt")
		_, err := pki.LoadCertificate(path)

		var decodeErr *pki.DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, path, decodeErr.Path)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestValidityNormalizesToUTC(t *testing.T) {
	der, err := pki.NewCSR([]string{"utc.example"}, testutils.GenerateTestKey(t))
	require.NoError(t, err)
	cert := testutils.SignTestCSR(t, der)

	notBefore, notAfter := pki.Validity(cert)
	assert.Equal(t, time.UTC, notBefore.Location())
	assert.Equal(t, time.UTC, notAfter.Location())
	assert.True(t, notBefore.Equal(cert.NotBefore))
	assert.True(t, notAfter.Equal(cert.NotAfter))
	assert.True(t, notAfter.After(notBefore))
}
