package testutils

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certsmith/internal/acme"
	"github.com/blockadesystems/certsmith/internal/model"
)

// FakeCA is an in-process v1-generation ACME endpoint for tests. It issues
// single-use nonces, verifies envelope signatures for real and signs CSRs
// with a throwaway root.
type FakeCA struct {
	t      *testing.T
	logger *zap.Logger
	server *httptest.Server

	caKey  *rsa.PrivateKey
	caCert *x509.Certificate

	mu             sync.Mutex
	nonces         map[string]bool
	registered     map[string]bool
	challenges     map[string]*fakeChallenge // challenge ID → state
	tokens         map[string]string         // domain → preset token
	pollPlans      map[string][]string       // domain → post-trigger status sequence
	challengeTypes map[string][]string       // domain → offered challenge types
	authzDomains   []string                  // domains in new-authz order
	issued         []*x509.Certificate
}

type fakeChallenge struct {
	domain    string
	token     string
	triggered bool
	validated bool
	keyAuth   string
	plan      []string
	polls     int
}

// NewFakeCA starts a fake CA on a local listener. The server is torn down
// with the test.
func NewFakeCA(t *testing.T) *FakeCA {
	t.Helper()

	caKey, caCert := NewTestCA(t)
	f := &FakeCA{
		t:              t,
		logger:         zaptest.NewLogger(t).With(zap.String("component", "fakeca")),
		caKey:          caKey,
		caCert:         caCert,
		nonces:         make(map[string]bool),
		registered:     make(map[string]bool),
		challenges:     make(map[string]*fakeChallenge),
		tokens:         make(map[string]string),
		pollPlans:      make(map[string][]string),
		challengeTypes: make(map[string][]string),
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/directory", f.handleDirectory)
	e.POST("/acme/new-reg", f.handleNewReg)
	e.POST("/acme/new-authz", f.handleNewAuthz)
	e.GET("/acme/chall/:id", f.handlePollChallenge)
	e.POST("/acme/chall/:id", f.handleTriggerChallenge)
	e.POST("/acme/new-cert", f.handleNewCert)
	e.GET("/issuer", func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/pkix-cert", f.caCert.Raw)
	})

	f.server = httptest.NewServer(e)
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the CA endpoint (scheme and host).
func (f *FakeCA) URL() string { return f.server.URL }

// Root returns the throwaway root certificate leaves are chained to.
func (f *FakeCA) Root() *x509.Certificate { return f.caCert }

// SetToken fixes the challenge token handed out for a domain.
func (f *FakeCA) SetToken(domain, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[domain] = token
}

// SetPollPlan scripts the statuses reported after the domain's challenge is
// triggered, one per poll; the last entry repeats. Default is a single
// "valid".
func (f *FakeCA) SetPollPlan(domain string, statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollPlans[domain] = statuses
}

// SetChallengeTypes overrides the challenge types offered for a domain.
func (f *FakeCA) SetChallengeTypes(domain string, types ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challengeTypes[domain] = types
}

// AuthzDomains returns the domains authorized so far, in request order.
func (f *FakeCA) AuthzDomains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authzDomains...)
}

// PollCount returns how many status polls the domain's challenge received.
func (f *FakeCA) PollCount(domain string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, ch := range f.challenges {
		if ch.domain == domain {
			total += ch.polls
		}
	}
	return total
}

// KeyAuth returns the key authorization presented at trigger time.
func (f *FakeCA) KeyAuth(domain string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.challenges {
		if ch.domain == domain && ch.keyAuth != "" {
			return ch.keyAuth
		}
	}
	return ""
}

// IssuedCount returns how many certificates the fake CA signed.
func (f *FakeCA) IssuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issued)
}

func (f *FakeCA) handleDirectory(c echo.Context) error {
	nonce := uuid.NewString()
	f.mu.Lock()
	f.nonces[nonce] = true
	f.mu.Unlock()

	c.Response().Header().Set("Replay-Nonce", nonce)
	return c.JSON(http.StatusOK, map[string]string{
		"new-reg":   f.URL() + "/acme/new-reg",
		"new-authz": f.URL() + "/acme/new-authz",
		"new-cert":  f.URL() + "/acme/new-cert",
	})
}

// verifyEnvelope checks the signed request for real: single-use nonce, RS256
// signature over protected64.payload64, and returns the decoded payload plus
// the RFC 7638 thumbprint of the presented key.
func (f *FakeCA) verifyEnvelope(c echo.Context) ([]byte, string, *model.ProblemDetails) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, "", problem("urn:acme:error:malformed", "unreadable request body", http.StatusBadRequest)
	}

	var envelope model.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", problem("urn:acme:error:malformed", "request is not a signed envelope", http.StatusBadRequest)
	}

	protectedJSON, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
	if err != nil {
		return nil, "", problem("urn:acme:error:malformed", "undecodable protected header", http.StatusBadRequest)
	}
	var protected model.ProtectedHeader
	if err := json.Unmarshal(protectedJSON, &protected); err != nil {
		return nil, "", problem("urn:acme:error:malformed", "unparsable protected header", http.StatusBadRequest)
	}
	if protected.Alg != "RS256" {
		return nil, "", problem("urn:acme:error:badSignatureAlgorithm", "only RS256 is supported", http.StatusBadRequest)
	}

	f.mu.Lock()
	seen := f.nonces[protected.Nonce]
	delete(f.nonces, protected.Nonce)
	f.mu.Unlock()
	if !seen {
		return nil, "", problem("urn:acme:error:badNonce", "unknown or reused nonce", http.StatusBadRequest)
	}

	pub, err := publicKeyFromJWK(protected.JWK)
	if err != nil {
		return nil, "", problem("urn:acme:error:malformed", "undecodable JWK", http.StatusBadRequest)
	}
	signature, err := base64.RawURLEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return nil, "", problem("urn:acme:error:malformed", "undecodable signature", http.StatusBadRequest)
	}
	digest := sha256.Sum256([]byte(envelope.Protected + "." + envelope.Payload))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return nil, "", problem("urn:acme:error:malformed", "signature verification failed", http.StatusBadRequest)
	}

	thumb, err := (&jose.JSONWebKey{Key: pub}).Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, "", problem("urn:acme:error:serverInternal", "thumbprint computation failed", http.StatusInternalServerError)
	}

	payload, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return nil, "", problem("urn:acme:error:malformed", "undecodable payload", http.StatusBadRequest)
	}
	return payload, base64.RawURLEncoding.EncodeToString(thumb), nil
}

func (f *FakeCA) handleNewReg(c echo.Context) error {
	payload, thumb, prob := f.verifyEnvelope(c)
	if prob != nil {
		return c.JSON(prob.Status, prob)
	}

	var reg model.Registration
	if err := json.Unmarshal(payload, &reg); err != nil || reg.Resource != "new-reg" {
		return c.JSON(http.StatusBadRequest,
			problem("urn:acme:error:malformed", "expected a new-reg payload", http.StatusBadRequest))
	}

	f.mu.Lock()
	already := f.registered[thumb]
	f.registered[thumb] = true
	f.mu.Unlock()

	if already {
		return c.JSON(http.StatusConflict,
			problem("urn:acme:error:malformed", "registration key is already in use", http.StatusConflict))
	}
	return c.JSON(http.StatusCreated, map[string]string{"status": "valid", "agreement": reg.Agreement})
}

func (f *FakeCA) handleNewAuthz(c echo.Context) error {
	payload, _, prob := f.verifyEnvelope(c)
	if prob != nil {
		return c.JSON(prob.Status, prob)
	}

	var req model.AuthorizationRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Resource != "new-authz" || req.Identifier.Type != "dns" {
		return c.JSON(http.StatusBadRequest,
			problem("urn:acme:error:malformed", "expected a new-authz payload with a dns identifier", http.StatusBadRequest))
	}
	domain := req.Identifier.Value

	f.mu.Lock()
	f.authzDomains = append(f.authzDomains, domain)
	token := f.tokens[domain]
	if token == "" {
		token = "tok-" + uuid.NewString()
	}
	types := f.challengeTypes[domain]
	if len(types) == 0 {
		types = []string{"dns-01", "http-01"}
	}
	plan := f.pollPlans[domain]
	if len(plan) == 0 {
		plan = []string{"valid"}
	}

	challenges := make([]model.Challenge, 0, len(types))
	for _, typ := range types {
		id := uuid.NewString()
		f.challenges[id] = &fakeChallenge{domain: domain, token: token, plan: plan}
		challenges = append(challenges, model.Challenge{
			Type:   typ,
			Status: "pending",
			URI:    f.URL() + "/acme/chall/" + id,
			Token:  token,
		})
	}
	f.mu.Unlock()

	return c.JSON(http.StatusCreated, model.Authorization{
		Identifier: req.Identifier,
		Status:     "pending",
		Expires:    time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		Challenges: challenges,
	})
}

func (f *FakeCA) handleTriggerChallenge(c echo.Context) error {
	payload, thumb, prob := f.verifyEnvelope(c)
	if prob != nil {
		return c.JSON(prob.Status, prob)
	}

	f.mu.Lock()
	ch := f.challenges[c.Param("id")]
	f.mu.Unlock()
	if ch == nil {
		return c.JSON(http.StatusNotFound,
			problem("urn:acme:error:malformed", "unknown challenge", http.StatusNotFound))
	}

	var resp model.ChallengeResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Resource != "challenge" {
		return c.JSON(http.StatusBadRequest,
			problem("urn:acme:error:malformed", "expected a challenge payload", http.StatusBadRequest))
	}

	expected := acme.SanitizeToken(ch.token) + "." + thumb
	if resp.KeyAuthorization != expected {
		return c.JSON(http.StatusBadRequest,
			problem("urn:acme:error:unauthorized", "key authorization does not match token and account key", http.StatusBadRequest))
	}

	f.mu.Lock()
	ch.triggered = true
	ch.keyAuth = resp.KeyAuthorization
	f.mu.Unlock()

	return c.JSON(http.StatusAccepted, model.Challenge{
		Type:   "http-01",
		Status: "pending",
		URI:    f.URL() + "/acme/chall/" + c.Param("id"),
		Token:  ch.token,
	})
}

func (f *FakeCA) handlePollChallenge(c echo.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := f.challenges[c.Param("id")]
	if ch == nil {
		return c.JSON(http.StatusNotFound,
			problem("urn:acme:error:malformed", "unknown challenge", http.StatusNotFound))
	}

	status := "pending"
	if ch.triggered {
		step := ch.polls
		if step >= len(ch.plan) {
			step = len(ch.plan) - 1
		}
		status = ch.plan[step]
		ch.polls++
	}
	if status == "valid" {
		ch.validated = true
	}

	result := model.Challenge{
		Type:   "http-01",
		Status: status,
		URI:    f.URL() + "/acme/chall/" + c.Param("id"),
		Token:  ch.token,
	}
	if status != "valid" && status != "pending" {
		result.Error = problem("urn:acme:error:unauthorized",
			fmt.Sprintf("validation of %s failed", ch.domain), http.StatusForbidden)
	}
	return c.JSON(http.StatusAccepted, result)
}

func (f *FakeCA) handleNewCert(c echo.Context) error {
	payload, _, prob := f.verifyEnvelope(c)
	if prob != nil {
		return c.JSON(prob.Status, prob)
	}

	var req model.CertificateRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Resource != "new-cert" {
		return c.JSON(http.StatusBadRequest,
			problem("urn:acme:error:malformed", "expected a new-cert payload", http.StatusBadRequest))
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			problem("urn:acme:error:malformed", "undecodable CSR", http.StatusBadRequest))
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			problem("urn:acme:error:malformed", "unparsable CSR", http.StatusBadRequest))
	}
	if err := csr.CheckSignature(); err != nil {
		return c.JSON(http.StatusBadRequest,
			problem("urn:acme:error:malformed", "invalid CSR signature", http.StatusBadRequest))
	}

	f.mu.Lock()
	validated := make(map[string]bool)
	for _, ch := range f.challenges {
		if ch.validated {
			validated[ch.domain] = true
		}
	}
	f.mu.Unlock()
	for _, domain := range csr.DNSNames {
		if !validated[domain] {
			return c.JSON(http.StatusForbidden,
				problem("urn:acme:error:unauthorized",
					fmt.Sprintf("no valid authorization for %s", domain), http.StatusForbidden))
		}
	}

	cert := signLeaf(f.t, f.caKey, f.caCert, csr, f.URL()+"/issuer")

	f.mu.Lock()
	f.issued = append(f.issued, cert)
	f.mu.Unlock()

	return c.Blob(http.StatusCreated, "application/pkix-cert", cert.Raw)
}

func problem(typ, detail string, status int) *model.ProblemDetails {
	return &model.ProblemDetails{Type: typ, Detail: detail, Status: status}
}

func publicKeyFromJWK(jwk model.JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// NewTestCA generates a throwaway root key and self-signed certificate.
func NewTestCA(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"certsmith test"},
			CommonName:   "certsmith test root",
		},
		NotBefore:             time.Now().Add(-5 * time.Minute),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

// SignTestCSR signs a DER CSR with a fresh throwaway root and returns the
// leaf certificate.
func SignTestCSR(t *testing.T, csrDER []byte) *x509.Certificate {
	t.Helper()

	caKey, caCert := NewTestCA(t)
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	return signLeaf(t, caKey, caCert, csr, "")
}

// signLeaf issues a 90-day leaf for the CSR under the given root.
func signLeaf(t *testing.T, caKey *rsa.PrivateKey, caCert *x509.Certificate, csr *x509.CertificateRequest, issuerURL string) *x509.Certificate {
	t.Helper()

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-2 * time.Minute),
		NotAfter:     time.Now().AddDate(0, 0, 90),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if issuerURL != "" {
		template.IssuingCertificateURL = []string{issuerURL}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, csr.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
