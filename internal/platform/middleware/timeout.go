package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/docvault/internal/errs"
)

// RequestTimeout returns middleware that sets a context deadline on each
// incoming request. The handler runs on the request goroutine; the pipelines
// check the context between I/O steps, so a request that runs past the
// deadline returns early and, if nothing was written yet, the client
// receives a 504 with a retryable network failure.
//
// Requests matching any skipper run without a deadline.
func RequestTimeout(timeout time.Duration, skippers ...func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			for _, skip := range skippers {
				if skip(c) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed {
				return err
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return writeFailure(c, http.StatusGatewayTimeout, errs.KindNetwork,
					"request processing exceeded the allowed time limit")
			}
			return err
		}
	}
}
