// Package auth resolves the calling identity for API requests. The identity
// is the wallet-style address carried in a JWT subject; it selects whose
// keys are used for registration and decryption.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	IdentityKey  contextKey = "identity"
	UserRolesKey contextKey = "user_roles"
)

// IdentityHeader lets development clients choose who they act as.
const IdentityHeader = "X-Identity"

// DefaultDevIdentity is used by DevAuthMiddleware when no header is sent.
const DefaultDevIdentity = "0xdev"

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	// Resolve JWKS URL: if not explicitly set, try OIDC discovery from issuer.
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	if len(cfg.SigningKey) == 0 {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" && cfg.Issuer != "" {
			if discovered, err := DiscoverJWKSURL(cfg.Issuer); err == nil {
				jwksURL = discovered
			}
		}
		keyFunc = jwksKeyFunc(jwksURL)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Subject, claims.Roles)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. The caller
// is taken from the X-Identity header, falling back to defaultIdentity.
func DevAuthMiddleware(defaultIdentity string) echo.MiddlewareFunc {
	if defaultIdentity == "" {
		defaultIdentity = DefaultDevIdentity
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := strings.TrimSpace(c.Request().Header.Get(IdentityHeader))
			if identity == "" {
				identity = defaultIdentity
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), identity, []string{"dev"})))
			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying the caller identity and roles.
func WithIdentity(ctx context.Context, identity string, roles []string) context.Context {
	ctx = context.WithValue(ctx, IdentityKey, identity)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func IdentityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(IdentityKey).(string)
	return id
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
