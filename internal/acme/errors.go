package acme

import (
	"errors"
	"fmt"
)

// ErrUnsupportedKeyType indicates an account key that is not RSA. RS256 is
// the only signature algorithm of this protocol generation.
var ErrUnsupportedKeyType = errors.New("acme: account key must be an RSA private key")

// TransportError wraps a network failure where no CA response was received.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RegistrationError reports a new-reg response that was neither 201 nor 409.
type RegistrationError struct {
	Status int
	Body   []byte
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("account registration failed: status=%d body=%s", e.Status, e.Body)
}

// AuthorizationError reports a rejected new-authz request.
type AuthorizationError struct {
	Domain string
	Status int
	Body   []byte
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization request for %s failed: status=%d body=%s", e.Domain, e.Status, e.Body)
}

// UnsupportedChallengeError reports an authorization offering no http-01
// challenge.
type UnsupportedChallengeError struct {
	Domain string
}

func (e *UnsupportedChallengeError) Error() string {
	return fmt.Sprintf("CA offered no http-01 challenge for %s", e.Domain)
}

// SelfCheckError reports a local proof fetch that did not return the expected
// key authorization. The CA has not been asked to validate yet.
type SelfCheckError struct {
	Domain string
	URL    string
	Err    error // nil when the fetch succeeded but the content mismatched
}

func (e *SelfCheckError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("challenge self-check for %s failed: %s: %v", e.Domain, e.URL, e.Err)
	}
	return fmt.Sprintf("challenge self-check for %s failed: %s did not serve the expected key authorization", e.Domain, e.URL)
}

func (e *SelfCheckError) Unwrap() error { return e.Err }

// ChallengeTriggerError reports a challenge trigger the CA did not accept.
type ChallengeTriggerError struct {
	Domain string
	Status int
	Body   []byte
}

func (e *ChallengeTriggerError) Error() string {
	return fmt.Sprintf("challenge trigger for %s failed: status=%d body=%s", e.Domain, e.Status, e.Body)
}

// ChallengeFailedError carries the CA's full status payload for a challenge
// that left the pending state without becoming valid.
type ChallengeFailedError struct {
	Domain string
	Status int    // HTTP status of the poll response
	Body   []byte // Raw challenge status payload
}

func (e *ChallengeFailedError) Error() string {
	return fmt.Sprintf("challenge validation for %s failed: status=%d body=%s", e.Domain, e.Status, e.Body)
}

// IssuanceError reports a new-cert request the CA rejected.
type IssuanceError struct {
	Status int
	Body   []byte
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("certificate issuance failed: status=%d body=%s", e.Status, e.Body)
}
