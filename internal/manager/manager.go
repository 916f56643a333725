package manager

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/acme"
	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/pki"
)

// Manager walks the configured certificates and renews the ones inside their
// TTL window.
type Manager struct {
	cfg        *config.Config
	logger     *zap.Logger
	clientOpts []acme.Option
	httpClient *http.Client
	now        func() time.Time
}

// New creates a Manager. Extra client options are appended to every engine
// client the manager builds, which keeps the network substitutable in tests.
func New(cfg *config.Config, logger *zap.Logger, clientOpts ...acme.Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		clientOpts: clientOpts,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// Run processes every configured certificate once. A failing certificate is
// logged and does not stop the others.
func (m *Manager) Run(ctx context.Context) error {
	failed := 0
	for _, cert := range m.cfg.Certificates {
		l := m.logger.With(zap.Strings("domains", cert.Domains))

		due, reason := m.NeedsRenewal(cert)
		if !due {
			l.Info("Certificate still valid, skipping", zap.String("file", cert.CertFile))
			continue
		}
		l.Info("Renewing certificate", zap.String("reason", reason))

		if err := m.process(ctx, cert); err != nil {
			failed++
			l.Error("Certificate renewal failed", zap.Error(err))
			continue
		}
		l.Info("Certificate renewed", zap.String("file", cert.CertFile))
	}
	if failed > 0 {
		return fmt.Errorf("failed to renew %d certificates", failed)
	}
	return nil
}

// NeedsRenewal decides whether the certificate on disk is inside its renewal
// window. Missing or unreadable material always renews.
func (m *Manager) NeedsRenewal(cert config.Certificate) (bool, string) {
	existing, err := pki.LoadCertificate(cert.CertFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, "no existing certificate"
		}
		return true, fmt.Sprintf("existing certificate unreadable: %v", err)
	}

	notBefore, notAfter := pki.Validity(existing)
	now := m.now().UTC()
	if notBefore.After(now) {
		return true, fmt.Sprintf("certificate not valid until %s", notBefore)
	}
	renewAt := notAfter.AddDate(0, 0, -cert.TTLDays)
	if !now.Before(renewAt) {
		return true, fmt.Sprintf("inside %d-day renewal window, expires %s", cert.TTLDays, notAfter)
	}
	return false, ""
}

// process renews one certificate end to end: key material, CSR, account
// registration, domain validation, issuance and persistence.
func (m *Manager) process(ctx context.Context, cert config.Certificate) error {
	accountKey, created, err := pki.EnsureKey(cert.AccountKeyFile, cert.KeyLength)
	if err != nil {
		return fmt.Errorf("failed to prepare account key: %w", err)
	}
	if created {
		m.logger.Info("Generated new account key",
			zap.String("file", cert.AccountKeyFile), zap.Int("bits", cert.KeyLength))
	}

	leafKey, created, err := pki.EnsureKey(cert.KeyFile, cert.KeyLength)
	if err != nil {
		return fmt.Errorf("failed to prepare certificate key: %w", err)
	}
	if created {
		m.logger.Info("Generated new certificate key",
			zap.String("file", cert.KeyFile), zap.Int("bits", cert.KeyLength))
	}

	csr, err := pki.NewCSR(cert.Domains, leafKey)
	if err != nil {
		return fmt.Errorf("failed to build CSR: %w", err)
	}

	opts := append([]acme.Option{
		acme.WithAgreement(cert.AuthorityAgreement),
		acme.WithLogger(m.logger),
	}, m.clientOpts...)
	client, err := acme.New(cert.Authority, accountKey, opts...)
	if err != nil {
		return err
	}

	if _, err := client.Register(ctx); err != nil {
		return err
	}

	issued, err := client.Issue(ctx, csr, cert.Domains, cert.ChallengeDir)
	if err != nil {
		return err
	}

	if err := pki.SaveCertificate(cert.CertFile, issued); err != nil {
		return err
	}

	if cert.CAFile != "" {
		if err := m.saveIssuer(ctx, cert.CAFile, issued); err != nil {
			m.logger.Warn("Failed to store issuer certificate",
				zap.String("file", cert.CAFile), zap.Error(err))
		}
	}
	return nil
}

// saveIssuer follows the leaf's CA Issuers pointer and stores the issuer
// certificate next to the leaf. Authorities that publish no pointer are
// skipped.
func (m *Manager) saveIssuer(ctx context.Context, path string, leaf *x509.Certificate) error {
	if len(leaf.IssuingCertificateURL) == 0 {
		m.logger.Debug("Certificate carries no issuer URL, skipping chain download")
		return nil
	}
	url := leaf.IssuingCertificateURL[0]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("issuer download from %s returned status %d", url, resp.StatusCode)
	}
	der, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	issuer, err := pki.ParseCertificateDER(der)
	if err != nil {
		return err
	}
	return pki.SaveCertificate(path, issuer)
}
