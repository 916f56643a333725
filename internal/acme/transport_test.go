package acme_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certsmith/internal/acme"
)

// scriptTransport is an in-memory acme.Transport. Responses are scripted per
// method and URL; the last scripted response repeats. Nonces count up, so
// request order is visible in the captured protected headers.
type scriptTransport struct {
	mu      sync.Mutex
	nonces  int
	scripts map[string][]scriptedResponse
	calls   []scriptedCall
}

type scriptedResponse struct {
	status int
	body   string
	err    error
}

type scriptedCall struct {
	method string
	url    string
	body   []byte
	at     time.Time
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{scripts: make(map[string][]scriptedResponse)}
}

func (s *scriptTransport) on(method, url string, status int, body string) {
	s.scripts[method+" "+url] = append(s.scripts[method+" "+url], scriptedResponse{status: status, body: body})
}

func (s *scriptTransport) onError(method, url string, err error) {
	s.scripts[method+" "+url] = append(s.scripts[method+" "+url], scriptedResponse{err: err})
}

func (s *scriptTransport) Do(_ context.Context, method, url string, body []byte) (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, scriptedCall{
		method: method,
		url:    url,
		body:   append([]byte(nil), body...),
		at:     time.Now(),
	})

	key := method + " " + url
	queue := s.scripts[key]
	if len(queue) == 0 {
		return 0, nil, fmt.Errorf("no scripted response for %s", key)
	}
	next := queue[0]
	if len(queue) > 1 {
		s.scripts[key] = queue[1:]
	}
	if next.err != nil {
		return 0, nil, next.err
	}
	return next.status, []byte(next.body), nil
}

func (s *scriptTransport) Nonce(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces++
	return fmt.Sprintf("nonce-%04d", s.nonces), nil
}

func (s *scriptTransport) callsTo(method, url string) []scriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scriptedCall
	for _, call := range s.calls {
		if call.method == method && call.url == url {
			out = append(out, call)
		}
	}
	return out
}

var _ acme.Transport = (*scriptTransport)(nil)

func TestHTTPTransportDo(t *testing.T) {
	var gotMethod, gotContentType, gotUserAgent string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotUserAgent = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"type":"urn:acme:error:unauthorized"}`)
	}))
	defer server.Close()

	transport := acme.NewHTTPTransport(server.Client(), zaptest.NewLogger(t))

	t.Run("POST with body", func(t *testing.T) {
		status, body, err := transport.Do(context.Background(), http.MethodPost, server.URL+"/acme/new-reg", []byte(`{"resource":"new-reg"}`))
		require.NoError(t, err, "a received response is never an error")

		assert.Equal(t, http.StatusForbidden, status, "non-2xx statuses come back as data")
		assert.Equal(t, `{"type":"urn:acme:error:unauthorized"}`, string(body))
		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "application/jose+json", gotContentType, "signed requests are sent as jose+json")
		assert.Equal(t, "certsmith", gotUserAgent)
		assert.Equal(t, `{"resource":"new-reg"}`, string(gotBody))
	})

	t.Run("GET without body", func(t *testing.T) {
		_, _, err := transport.Do(context.Background(), http.MethodGet, server.URL+"/acme/chall/1", nil)
		require.NoError(t, err)

		assert.Equal(t, http.MethodGet, gotMethod)
		assert.Empty(t, gotContentType, "bodyless requests carry no content type")
	})
}

func TestHTTPTransportConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := server.URL
	server.Close()

	transport := acme.NewHTTPTransport(nil, zaptest.NewLogger(t))

	_, _, err := transport.Do(context.Background(), http.MethodGet, deadURL, nil)
	var transportErr *acme.TransportError
	require.ErrorAs(t, err, &transportErr, "a failed exchange should surface as a TransportError")
	assert.Equal(t, deadURL, transportErr.URL)
	assert.Error(t, transportErr.Unwrap())
}

func TestHTTPTransportNonce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/directory" {
			w.Header().Set("Replay-Nonce", "nonce-from-header")
		}
		fmt.Fprint(w, `{"new-reg":"ignored"}`)
	}))
	defer server.Close()

	transport := acme.NewHTTPTransport(server.Client(), zaptest.NewLogger(t))

	t.Run("header present", func(t *testing.T) {
		nonce, err := transport.Nonce(context.Background(), server.URL+"/directory")
		require.NoError(t, err)
		assert.Equal(t, "nonce-from-header", nonce)
	})

	t.Run("header missing", func(t *testing.T) {
		_, err := transport.Nonce(context.Background(), server.URL+"/elsewhere")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Replay-Nonce")
	})
}
