package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		called = true
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestTimeout(5 * time.Second)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestTimeout_ReturnsNetworkFailureOnExpiry(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	}

	err := RequestTimeout(50 * time.Millisecond)(handler)(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d", rec.Code)
	}

	var body failureBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body.Success || body.Error.Kind != "network" || !body.Error.Retryable {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestRequestTimeout_Skipper(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	skip := func(c echo.Context) bool { return c.Request().URL.Path == "/metrics" }
	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("skipped request should have no deadline")
		}
		return nil
	}

	if err := RequestTimeout(time.Second, skip)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_ZeroDisables(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("zero timeout should not set a deadline")
		}
		return nil
	}
	if err := RequestTimeout(0)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_HandlerFinishesBeforeReturn(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/documents/1", nil), rec)

	var finished atomic.Bool
	handler := func(c echo.Context) error {
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
		return c.Blob(http.StatusOK, "text/plain", []byte("document-a"))
	}

	if err := RequestTimeout(20 * time.Millisecond)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Echo recycles the context once the middleware returns, so the handler
	// must be done with it by then.
	if !finished.Load() {
		t.Fatal("middleware returned while the handler was still running")
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "document-a" {
		t.Errorf("expected the handler's own response, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestTimeout_ResponsesStayWithTheirRequest(t *testing.T) {
	e := echo.New()
	e.Use(RequestTimeout(50 * time.Millisecond))
	e.GET("/slow", func(c echo.Context) error {
		time.Sleep(80 * time.Millisecond)
		return c.Blob(http.StatusOK, "text/plain", []byte("plaintext-of-a"))
	})
	e.GET("/fast", func(c echo.Context) error {
		return c.String(http.StatusOK, "b")
	})

	recA := httptest.NewRecorder()
	e.ServeHTTP(recA, httptest.NewRequest(http.MethodGet, "/slow", nil))
	recB := httptest.NewRecorder()
	e.ServeHTTP(recB, httptest.NewRequest(http.MethodGet, "/fast", nil))

	if recA.Body.String() != "plaintext-of-a" {
		t.Errorf("caller a got %q", recA.Body.String())
	}
	if recB.Body.String() != "b" {
		t.Errorf("caller b got %q", recB.Body.String())
	}
}
