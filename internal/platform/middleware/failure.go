package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/ehr/docvault/internal/errs"
)

// failureBody mirrors the tagged outcome returned by the API handlers.
type failureBody struct {
	Success bool          `json:"success"`
	Error   failureDetail `json:"error"`
}

type failureDetail struct {
	Kind      errs.Kind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func writeFailure(c echo.Context, status int, kind errs.Kind, message string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, failureBody{
		Error: failureDetail{Kind: kind, Message: message, Retryable: kind.Retryable()},
	})
}
