package acme

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"github.com/blockadesystems/certsmith/internal/model"
)

// accountHeader derives the JWS header and the RFC 7638 thumbprint from the
// public half of the account key.
func accountHeader(key *rsa.PrivateKey) (model.Header, string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}

	jwkJSON, err := jwk.MarshalJSON()
	if err != nil {
		return model.Header{}, "", fmt.Errorf("failed to marshal account public key as JWK: %w", err)
	}
	var pub model.JWK
	if err := json.Unmarshal(jwkJSON, &pub); err != nil {
		return model.Header{}, "", fmt.Errorf("failed to decode JWK: %w", err)
	}

	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return model.Header{}, "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	header := model.Header{Alg: "RS256", JWK: pub}
	return header, base64.RawURLEncoding.EncodeToString(sum), nil
}

// send signs payload into the wire envelope and posts it. A fresh nonce is
// fetched for every request. Responses come back as (status, body); the error
// is non-nil only when the exchange itself failed.
func (c *Client) send(ctx context.Context, url string, payload any) (int, []byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	nonce, err := c.transport.Nonce(ctx, c.endpoint+"/directory")
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	protectedJSON, err := json.Marshal(model.ProtectedHeader{Header: c.header, Nonce: nonce})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal protected header: %w", err)
	}

	protected64 := base64.RawURLEncoding.EncodeToString(protectedJSON)
	payload64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	digest := sha256.Sum256([]byte(protected64 + "." + payload64))
	signature, err := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA256, digest[:])
	if err != nil {
		return 0, nil, fmt.Errorf("failed to sign request: %w", err)
	}

	envelope := model.Envelope{
		Header:    c.header,
		Protected: protected64,
		Payload:   payload64,
		Signature: base64.RawURLEncoding.EncodeToString(signature),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal signed envelope: %w", err)
	}

	return c.transport.Do(ctx, http.MethodPost, url, body)
}
