package acme

import (
	"crypto"
	"crypto/rsa"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
)

const defaultPollInterval = 2 * time.Second

// Client drives the v1-generation issuance protocol against one CA endpoint
// with one account key. A Client is not safe for concurrent use: requests
// share a single nonce stream and domains are validated strictly in order.
type Client struct {
	endpoint     string
	agreement    string
	key          *rsa.PrivateKey
	transport    Transport
	pollInterval time.Duration
	logger       *zap.Logger

	header     model.Header // Built once from the account key
	thumbprint string       // RFC 7638 thumbprint, base64url without padding
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport. Anything satisfying Transport
// works, which keeps the protocol logic testable without a network.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithAgreement sets the terms-of-service URL sent with registration.
func WithAgreement(url string) Option {
	return func(c *Client) { c.agreement = url }
}

// WithPollInterval overrides the wait between challenge status polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the CA at endpoint (scheme and host, no trailing
// path). The account key must be RSA.
func New(endpoint string, key crypto.Signer, opts ...Option) (*Client, error) {
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKeyType
	}

	c := &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		key:          rsaKey,
		pollInterval: defaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(nil, c.logger)
	}

	header, thumbprint, err := accountHeader(rsaKey)
	if err != nil {
		return nil, err
	}
	c.header = header
	c.thumbprint = thumbprint
	c.logger = c.logger.With(zap.String("endpoint", c.endpoint))

	return c, nil
}

// Thumbprint returns the RFC 7638 thumbprint of the account public key,
// base64url-encoded without padding.
func (c *Client) Thumbprint() string { return c.thumbprint }

// Header returns the JWS header sent with every signed request.
func (c *Client) Header() model.Header { return c.header }
