package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTimeoutContext() echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/reports/dental-complications/run", nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestTimeout(5 * time.Second)(handler)(newTimeoutContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	handler := func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "ok")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	err := RequestTimeout(20 * time.Millisecond)(handler)(newTimeoutContext())

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", httpErr.Code)
	}
}

func TestRequestTimeout_ContextHasDeadline(t *testing.T) {
	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected request context to carry a deadline")
		}
		return nil
	}

	if err := RequestTimeout(time.Second)(handler)(newTimeoutContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_ZeroDisables(t *testing.T) {
	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("expected no deadline when timeout is zero")
		}
		return nil
	}

	if err := RequestTimeout(0)(handler)(newTimeoutContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	want := echo.NewHTTPError(http.StatusBadRequest, "bad")
	handler := func(c echo.Context) error { return want }

	err := RequestTimeout(time.Second)(handler)(newTimeoutContext())
	if err != want {
		t.Errorf("expected handler error to pass through, got %v", err)
	}
}
