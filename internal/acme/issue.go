package acme

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"net/http"

	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/model"
	"github.com/blockadesystems/certsmith/internal/pki"
)

// Issue validates every domain in order and submits the CSR, returning the
// parsed certificate. The first failing domain aborts the run; domains
// already validated stay authorized on the CA side.
func (c *Client) Issue(ctx context.Context, csr []byte, domains []string, challengeDir string) (*x509.Certificate, error) {
	for _, domain := range domains {
		if err := c.solve(ctx, domain, challengeDir); err != nil {
			return nil, err
		}
	}

	payload := model.CertificateRequest{
		Resource: "new-cert",
		CSR:      base64.RawURLEncoding.EncodeToString(csr),
	}
	status, body, err := c.send(ctx, c.endpoint+"/acme/new-cert", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, &IssuanceError{Status: status, Body: body}
	}

	cert, err := pki.ParseCertificateDER(body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Certificate issued",
		zap.String("serial", cert.SerialNumber.Text(16)),
		zap.Time("expiry", cert.NotAfter))
	return cert, nil
}
