package model

// JWK is the public portion of the account key in JSON Web Key form
// (RFC 7517). Fields are declared in the canonical RFC 7638 member order so
// serialized headers are byte-stable across runs.
type JWK struct {
	E   string `json:"e"`   // Public exponent, base64url without padding
	Kty string `json:"kty"` // Key type, always "RSA" in this protocol generation
	N   string `json:"n"`   // Modulus, base64url without padding
}

// Header is the unprotected JWS header carried on every signed request.
type Header struct {
	Alg string `json:"alg"` // Signature algorithm, always "RS256"
	JWK JWK    `json:"jwk"` // Account public key
}

// ProtectedHeader is the integrity-protected header: the unprotected header
// plus the single-use anti-replay nonce.
type ProtectedHeader struct {
	Header
	Nonce string `json:"nonce"` // Fresh Replay-Nonce issued by the CA
}

// Envelope is the JWS request body of the v1-generation wire format: both
// header forms travel alongside the payload and signature.
type Envelope struct {
	Header    Header `json:"header"`    // Unprotected header (alg + jwk)
	Protected string `json:"protected"` // base64url of the ProtectedHeader JSON
	Payload   string `json:"payload"`   // base64url of the request payload JSON
	Signature string `json:"signature"` // base64url of the RS256 signature
}

// Identifier names a domain in authorization requests and responses.
type Identifier struct {
	Type  string `json:"type"`  // Always "dns"
	Value string `json:"value"` // e.g., "example.com"
}

// Challenge is one validation method offered inside an authorization. The
// same shape comes back from polling a challenge URI, with Error populated
// once the CA has rejected the validation.
type Challenge struct {
	Type   string          `json:"type"`            // e.g., "http-01", "dns-01"
	Status string          `json:"status"`          // e.g., "pending", "valid", "invalid"
	URI    string          `json:"uri"`             // Challenge resource URL (GET polls, POST triggers)
	Token  string          `json:"token"`           // CA-issued token value
	Error  *ProblemDetails `json:"error,omitempty"` // Set by the CA when validation failed
}

// Authorization is the CA's answer to a new-authz request.
type Authorization struct {
	Identifier Identifier  `json:"identifier"`        // The domain under validation
	Status     string      `json:"status"`            // "pending" until a challenge validates
	Expires    string      `json:"expires,omitempty"` // RFC 3339 expiry of the authorization
	Challenges []Challenge `json:"challenges"`        // Offered validation methods
}

// ProblemDetails is the CA's error object (RFC 7807 shape, with
// "urn:acme:error:*" types in this protocol generation).
type ProblemDetails struct {
	Type   string `json:"type"`             // e.g., "urn:acme:error:unauthorized"
	Detail string `json:"detail"`           // Human-readable explanation
	Status int    `json:"status,omitempty"` // HTTP status the CA associated with the error
}

// Registration is the new-reg request payload.
type Registration struct {
	Resource  string `json:"resource"`            // Always "new-reg"
	Agreement string `json:"agreement,omitempty"` // Terms-of-service URL the account accepts
}

// AuthorizationRequest is the new-authz request payload.
type AuthorizationRequest struct {
	Resource   string     `json:"resource"`   // Always "new-authz"
	Identifier Identifier `json:"identifier"` // The domain to validate
}

// ChallengeResponse is the challenge trigger payload.
type ChallengeResponse struct {
	Resource         string `json:"resource"`         // Always "challenge"
	KeyAuthorization string `json:"keyAuthorization"` // token + "." + account key thumbprint
}

// CertificateRequest is the new-cert request payload.
type CertificateRequest struct {
	Resource string `json:"resource"` // Always "new-cert"
	CSR      string `json:"csr"`      // base64url DER certificate signing request
}
