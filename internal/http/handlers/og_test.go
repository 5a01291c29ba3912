package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ogimage/internal/domain"
)

func TestDecodeJSONParamsCoercesScalars(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/og", strings.NewReader(`{"title":"Hi","fallback":false,"price":19.5,"emoji":null}`))
	req.Header.Set("Content-Type", "application/json")

	raw, err := decodeJSONParams(req)
	if err != nil {
		t.Fatalf("decodeJSONParams: %v", err)
	}
	if raw["title"] != "Hi" || raw["fallback"] != "false" || raw["price"] != "19.5" {
		t.Fatalf("unexpected params %v", raw)
	}
	if _, ok := raw["emoji"]; ok {
		t.Fatal("null values should be dropped")
	}
}

func TestDecodeJSONParamsEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/og", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/json")

	raw, err := decodeJSONParams(req)
	if err != nil || len(raw) != 0 {
		t.Fatalf("expected empty params, got %v %v", raw, err)
	}
}

func TestDecodeJSONParamsRejectsMalformed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/og", strings.NewReader(`{"title":`))
	req.Header.Set("Content-Type", "application/json")

	_, err := decodeJSONParams(req)
	if domain.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestFailSetsRetryAfter(t *testing.T) {
	a := NewApp(Deps{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/og", nil)

	a.fail(rec, req, domain.QuotaExceeded("monthly quota exceeded", 1500*time.Millisecond))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	if !strings.Contains(rec.Body.String(), `"retry_after":2`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestReadyReportsDegradedAndUnavailable(t *testing.T) {
	failing := func(context.Context) error { return errors.New("down") }
	passing := func(context.Context) error { return nil }

	a := NewApp(Deps{Ready: []ReadinessCheck{
		{Name: "database", Check: passing},
		{Name: "raster", Check: failing, Optional: true},
	}})
	rec := httptest.NewRecorder()
	a.Ready(rec, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("expected degraded 200, got %d %s", rec.Code, rec.Body.String())
	}

	a = NewApp(Deps{Ready: []ReadinessCheck{{Name: "database", Check: failing}}})
	rec = httptest.NewRecorder()
	a.Ready(rec, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
