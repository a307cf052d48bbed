package middleware

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/docvault/internal/errs"
)

// multipartOverhead is the allowance for multipart boundaries and form
// fields on top of the file itself.
const multipartOverhead = 64 << 10

// BodyLimit returns middleware that rejects request bodies larger than limit
// plus a small multipart allowance. Bodies without a Content-Length are
// wrapped so the limit also holds while streaming.
//
// When the limit is exceeded, the middleware returns HTTP 413 with the
// tagged failure body.
func BodyLimit(limit int64) echo.MiddlewareFunc {
	ceiling := limit + multipartOverhead

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if limit <= 0 || req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			if req.ContentLength > ceiling {
				return writeFailure(c, http.StatusRequestEntityTooLarge, errs.KindInvalidInput,
					fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
			}

			req.Body = &limitedReadCloser{
				ReadCloser: req.Body,
				remaining:  ceiling,
			}

			return next(c)
		}
	}
}

// limitedReadCloser wraps an io.ReadCloser and returns an error once the
// read limit is exceeded.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	// Read one byte past the limit to detect overflow.
	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	return n, err
}
