package main

import (
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/config"
	"github.com/ehr/docvault/internal/domain/documents"
	"github.com/ehr/docvault/internal/platform/auth"
	"github.com/ehr/docvault/internal/platform/blobstore"
	"github.com/ehr/docvault/internal/platform/db"
	"github.com/ehr/docvault/internal/platform/keys"
	"github.com/ehr/docvault/internal/platform/metrics"
	"github.com/ehr/docvault/internal/platform/middleware"
)

// minSigningKeyBytes is the shortest accepted HS256 key.
const minSigningKeyBytes = 32

// resolveSigningKey decodes the hex AUTH_SIGNING_KEY. An empty value means
// no shared-secret signing.
func resolveSigningKey(envValue string) ([]byte, error) {
	if envValue == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(envValue)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
	}
	if len(decoded) < minSigningKeyBytes {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must decode to at least %d bytes, got %d", minSigningKeyBytes, len(decoded))
	}
	return decoded, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(auth.DefaultDevIdentity), nil
	}
	signingKey, err := resolveSigningKey(cfg.AuthSigningKey)
	if err != nil {
		return nil, err
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: signingKey,
		Skipper:    auth.AuthSkipper,
	}), nil
}

// newServer builds the Echo instance with every route and middleware.
func newServer(cfg *config.Config, b *backends, m *metrics.Metrics, logger zerolog.Logger) (*echo.Echo, error) {
	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	km := keys.NewManager(b.keyStore, b.dir, cfg.RSAKeyBits, logger.With().Str("component", "keys").Logger())
	svc := documents.NewService(b.content, km, b.ledger, m, logger.With().Str("component", "documents").Logger())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.IdentityHeader},
		ExposeHeaders: []string{"Content-Disposition", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.MaxUploadBytes))
	e.Use(authMW)
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.Audit(logger, middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		m.ObserveAccess(entry.Action, entry.StatusCode)
		return nil
	})))
	e.Use(middleware.RequestTimeout(cfg.PipelineTimeout, auth.AuthSkipper))

	// API groups
	apiV1 := e.Group("/api/v1")
	documents.NewHandler(svc, cfg.MaxUploadBytes).RegisterRoutes(apiV1)
	keys.NewHandler(km).RegisterRoutes(apiV1)
	blobstore.NewBlobHandler(b.content).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if b.pool != nil {
		e.GET("/health/db", db.HealthHandler(b.pool))
	}
	e.GET("/metrics", m.Handler())

	return e, nil
}
