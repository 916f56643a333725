package acme

import (
	"context"
	"net/http"

	"github.com/blockadesystems/certsmith/internal/model"
)

// Register creates the account for the client's key at the CA, accepting the
// configured terms-of-service agreement. The call is idempotent at the
// protocol level: a 409 answer means the key is already registered and is
// treated as success. The returned bool reports whether a new account was
// created.
func (c *Client) Register(ctx context.Context) (bool, error) {
	payload := model.Registration{Resource: "new-reg", Agreement: c.agreement}

	status, body, err := c.send(ctx, c.endpoint+"/acme/new-reg", payload)
	if err != nil {
		return false, err
	}

	switch status {
	case http.StatusCreated:
		c.logger.Info("Account registered")
		return true, nil
	case http.StatusConflict:
		c.logger.Info("Account already registered")
		return false, nil
	default:
		return false, &RegistrationError{Status: status, Body: body}
	}
}
