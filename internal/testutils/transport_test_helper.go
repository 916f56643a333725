package testutils

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// HostRewriteRoundTripper redirects requests for configured hosts to local
// test servers, keeping paths intact. It lets validation self-checks against
// http://<domain>/... land on an in-process responder.
type HostRewriteRoundTripper struct {
	Routes map[string]string // request host → replacement base URL
	Inner  http.RoundTripper // nil means http.DefaultTransport
}

func (rt *HostRewriteRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	inner := rt.Inner
	if inner == nil {
		inner = http.DefaultTransport
	}

	target, ok := rt.Routes[req.URL.Host]
	if !ok {
		return inner.RoundTrip(req)
	}
	base, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	clone.URL.Scheme = base.Scheme
	clone.URL.Host = base.Host
	clone.Host = base.Host
	return inner.RoundTrip(clone)
}

// NewRewriteClient builds an HTTP client that sends the given hosts to local
// test servers.
func NewRewriteClient(routes map[string]string) *http.Client {
	return &http.Client{Transport: &HostRewriteRoundTripper{Routes: routes}}
}

// GenerateTestKey creates a fresh 2048-bit RSA key.
func GenerateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}
