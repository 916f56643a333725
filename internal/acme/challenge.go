package acme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
)

// tokenSanitizer collapses everything outside [A-Za-z0-9_-] to underscores.
var tokenSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// errChallengePending signals the poll loop to keep waiting.
var errChallengePending = errors.New("challenge still pending")

// SanitizeToken maps a CA-issued challenge token to the form used for the
// proof file name, the key authorization and the validation URL. Distinct raw
// tokens can collapse to the same sanitized value; the last published proof
// wins in that case.
func SanitizeToken(token string) string {
	return tokenSanitizer.ReplaceAllString(token, "_")
}

// solve runs the http-01 state machine for one domain: request an
// authorization, publish the proof file, self-check it over plain HTTP,
// trigger validation and poll until the CA settles the challenge. The proof
// file is removed after a successful validation and after a failed
// self-check; it stays behind when the CA rejects the challenge.
func (c *Client) solve(ctx context.Context, domain, challengeDir string) error {
	l := c.logger.With(zap.String("domain", domain))
	l.Info("Requesting authorization")

	authz, err := c.requestAuthorization(ctx, domain)
	if err != nil {
		return err
	}

	var challenge *model.Challenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == "http-01" {
			challenge = &authz.Challenges[i]
			break
		}
	}
	if challenge == nil {
		return &UnsupportedChallengeError{Domain: domain}
	}

	token := SanitizeToken(challenge.Token)
	keyAuth := token + "." + c.thumbprint
	proofPath := filepath.Join(challengeDir, token)
	proofURL := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", domain, token)

	// The web server serving the challenge directory must be able to read it.
	if err := os.WriteFile(proofPath, []byte(keyAuth), 0644); err != nil {
		return fmt.Errorf("failed to write challenge proof '%s': %w", proofPath, err)
	}
	l.Info("Challenge proof published", zap.String("file", proofPath))

	if err := c.selfCheck(ctx, domain, proofURL, keyAuth); err != nil {
		os.Remove(proofPath)
		return err
	}

	if err := c.trigger(ctx, domain, challenge.URI, keyAuth); err != nil {
		return err
	}

	if err := c.awaitValidation(ctx, domain, challenge.URI); err != nil {
		return err
	}

	l.Info("Domain validated")
	os.Remove(proofPath)
	return nil
}

// requestAuthorization asks the CA for a new authorization on the domain.
func (c *Client) requestAuthorization(ctx context.Context, domain string) (*model.Authorization, error) {
	payload := model.AuthorizationRequest{
		Resource:   "new-authz",
		Identifier: model.Identifier{Type: "dns", Value: domain},
	}
	status, body, err := c.send(ctx, c.endpoint+"/acme/new-authz", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, &AuthorizationError{Domain: domain, Status: status, Body: body}
	}

	var authz model.Authorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return nil, fmt.Errorf("failed to decode authorization for %s: %w", domain, err)
	}
	return &authz, nil
}

// selfCheck fetches the proof over plain HTTP the way the CA will. Nothing is
// triggered at the CA until local publication is confirmed.
func (c *Client) selfCheck(ctx context.Context, domain, url, keyAuth string) error {
	status, body, err := c.transport.Do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &SelfCheckError{Domain: domain, URL: url, Err: err}
	}
	if status != http.StatusOK || strings.TrimSpace(string(body)) != keyAuth {
		return &SelfCheckError{Domain: domain, URL: url}
	}
	return nil
}

// trigger tells the CA the proof is in place.
func (c *Client) trigger(ctx context.Context, domain, uri, keyAuth string) error {
	payload := model.ChallengeResponse{Resource: "challenge", KeyAuthorization: keyAuth}

	status, body, err := c.send(ctx, uri, payload)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return &ChallengeTriggerError{Domain: domain, Status: status, Body: body}
	}
	return nil
}

// awaitValidation polls the challenge resource until the CA reports a
// terminal state. "pending" is retried at the poll interval without bound;
// the caller's context is the only deadline.
func (c *Client) awaitValidation(ctx context.Context, domain, uri string) error {
	l := c.logger.With(zap.String("domain", domain))

	poll := func() error {
		status, body, err := c.transport.Do(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if status < 200 || status > 299 {
			return backoff.Permanent(&ChallengeFailedError{Domain: domain, Status: status, Body: body})
		}

		var challenge model.Challenge
		if err := json.Unmarshal(body, &challenge); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode challenge status for %s: %w", domain, err))
		}

		switch challenge.Status {
		case "pending":
			l.Debug("Challenge still pending")
			return errChallengePending
		case "valid":
			return nil
		default:
			return backoff.Permanent(&ChallengeFailedError{Domain: domain, Status: status, Body: body})
		}
	}

	return backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(c.pollInterval), ctx))
}
