package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/platform/auth"
)

// AuditEntry describes one access to a document or key endpoint.
type AuditEntry struct {
	Identity   string
	Action     string
	RecordID   string
	Subject    string
	Route      string
	Method     string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists or counts audit entries beyond the structured log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit returns Echo middleware that emits an access log line for every
// request under /api/v1/. Uploads, downloads, metadata reads and key
// operations are all recorded, including the ones that were refused.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			entry := AuditEntry{
				Identity:   auth.IdentityFromContext(c.Request().Context()),
				Action:     actionFor(req.Method, c.Path()),
				RecordID:   c.Param("recordId"),
				Subject:    c.Param("identity"),
				Route:      c.Path(),
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				RequestID:  RequestIDFromContext(c),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status == http.StatusForbidden || status == http.StatusUnprocessableEntity {
				evt = logger.Warn()
			}
			evt.
				Str("type", "document_audit").
				Str("request_id", entry.RequestID).
				Str("identity", entry.Identity).
				Str("action", entry.Action).
				Str("record_id", entry.RecordID).
				Str("subject", entry.Subject).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("document_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// actionFor names the operation behind a matched route.
func actionFor(method, route string) string {
	route = strings.TrimPrefix(route, "/api/v1")
	switch {
	case method == http.MethodPost && route == "/documents":
		return "upload"
	case method == http.MethodGet && route == "/documents":
		return "list"
	case strings.HasSuffix(route, "/metadata"):
		return "describe"
	case strings.HasPrefix(route, "/documents/"):
		return "download"
	case method == http.MethodPost && route == "/keys":
		return "register_key"
	case method == http.MethodPost && route == "/keys/rotate":
		return "rotate_key"
	case strings.HasPrefix(route, "/keys/"):
		return "read_key"
	case strings.HasPrefix(route, "/blobs/"):
		return "read_blob"
	default:
		return "other"
	}
}
