package acme

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	requestContentType = "application/jose+json"
	userAgent          = "certsmith"

	defaultHTTPTimeout = 30 * time.Second
)

// Transport performs the HTTP exchanges of the protocol. Every received
// response is normalized to its status code and raw body; an error comes back
// only when no response arrived at all.
type Transport interface {
	Do(ctx context.Context, method, url string, body []byte) (int, []byte, error)
	Nonce(ctx context.Context, url string) (string, error)
}

// HTTPTransport implements Transport over net/http.
type HTTPTransport struct {
	client *http.Client
	logger *zap.Logger
}

// Ensure HTTPTransport implements Transport (compile-time check).
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport returns a Transport backed by the given client, or a
// default client with a 30 second timeout when nil.
func NewHTTPTransport(client *http.Client, logger *zap.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{client: client, logger: logger}
}

// Do sends one request and drains the response.
func (t *HTTPTransport) Do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", requestContentType)
	}

	t.logger.Debug("Sending CA request", zap.String("method", method), zap.String("url", url))
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{URL: url, Err: err}
	}
	t.logger.Debug("Received CA response", zap.String("url", url), zap.Int("status", resp.StatusCode))
	return resp.StatusCode, respBody, nil
}

// Nonce fetches a fresh anti-replay nonce from the Replay-Nonce header of the
// CA's directory resource.
func (t *HTTPTransport) Nonce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &TransportError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection can be reused

	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("no Replay-Nonce header in response from %s", url)
	}
	return nonce, nil
}
