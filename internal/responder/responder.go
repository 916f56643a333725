package responder

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/certsmith/internal/acme"
)

// Responder serves published challenge proofs over plain HTTP for operators
// without an existing web server on the domain. The CA validates on port 80,
// so this typically runs as `certsmith serve --addr :80`.
type Responder struct {
	echo         *echo.Echo
	challengeDir string
	logger       *zap.Logger
}

// New builds a Responder around the given proof directory.
func New(challengeDir string, baseLogger *zap.Logger) *Responder {
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}

	r := &Responder{
		echo:         echo.New(),
		challengeDir: challengeDir,
		logger:       baseLogger,
	}

	r.echo.HideBanner = true
	r.echo.Use(middleware.Recover())
	r.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	r.echo.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certsmith challenge responder is running")
	})
	r.echo.GET("/.well-known/acme-challenge/:token", r.handleChallenge)

	return r
}

// Handler exposes the underlying HTTP handler, mainly for tests.
func (r *Responder) Handler() http.Handler { return r.echo }

// Start serves challenge responses on addr until Shutdown.
func (r *Responder) Start(addr string) error {
	r.logger.Info("Challenge responder listening",
		zap.String("addr", addr), zap.String("dir", r.challengeDir))
	return r.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (r *Responder) Shutdown(ctx context.Context) error {
	return r.echo.Shutdown(ctx)
}

// handleChallenge serves one proof file. Tokens go through the same
// sanitization the solver applies to file names, which also keeps requests
// inside the challenge directory.
func (r *Responder) handleChallenge(c echo.Context) error {
	reqID := c.Response().Header().Get(echo.HeaderXRequestID)
	token := acme.SanitizeToken(c.Param("token"))
	l := r.logger.With(zap.String("request_id", reqID), zap.String("token", token))

	proof, err := os.ReadFile(filepath.Join(r.challengeDir, token))
	if err != nil {
		if os.IsNotExist(err) {
			l.Warn("Unknown challenge token requested")
			return c.String(http.StatusNotFound, "unknown token")
		}
		l.Error("Failed to read challenge proof", zap.Error(err))
		return c.String(http.StatusInternalServerError, "challenge proof unavailable")
	}

	l.Info("Serving challenge proof")
	return c.Blob(http.StatusOK, "text/plain", proof)
}
