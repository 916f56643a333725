package responder_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certsmith/internal/responder"
)

func TestResponderServesProof(t *testing.T) {
	challengeDir := t.TempDir()
	keyAuth := "sOmEtOkEn.sOmEtHuMbPrInT"
	require.NoError(t, os.WriteFile(filepath.Join(challengeDir, "sOmEtOkEn"), []byte(keyAuth), 0644))

	server := httptest.NewServer(responder.New(challengeDir, zaptest.NewLogger(t)).Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/.well-known/acme-challenge/sOmEtOkEn")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"), "responses should carry a request ID")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, keyAuth, string(body))
}

func TestResponderUnknownToken(t *testing.T) {
	server := httptest.NewServer(responder.New(t.TempDir(), zaptest.NewLogger(t)).Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/.well-known/acme-challenge/never-published")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResponderNeutralizesTraversal(t *testing.T) {
	base := t.TempDir()
	challengeDir := filepath.Join(base, "challenges")
	require.NoError(t, os.MkdirAll(challengeDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret"), []byte("account key material"), 0600))

	handler := responder.New(challengeDir, zaptest.NewLogger(t)).Handler()

	for _, path := range []string{
		"/.well-known/acme-challenge/..%2Fsecret",
		"/.well-known/acme-challenge/%2e%2e%2fsecret",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code, "escaped traversal must not resolve: %s", path)
		assert.NotContains(t, rec.Body.String(), "account key material",
			"files outside the challenge directory must never be served")
	}
}

func TestResponderRoot(t *testing.T) {
	server := httptest.NewServer(responder.New(t.TempDir(), zaptest.NewLogger(t)).Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "certsmith")
}
