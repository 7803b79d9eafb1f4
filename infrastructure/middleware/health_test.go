package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_AllPassing_ReportsHealthy(t *testing.T) {
	h := NewHealthChecker("v1")
	h.RegisterCheck("a", TierReadiness, func() error { return nil })
	h.RegisterCheck("b", TierFull, func() error { return nil })

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthChecker_OneFailing_ReportsDegraded(t *testing.T) {
	h := NewHealthChecker("v1")
	h.RegisterCheck("a", TierReadiness, func() error { return nil })
	h.RegisterCheck("b", TierFull, func() error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthChecker_AllFailing_ReportsUnhealthy(t *testing.T) {
	h := NewHealthChecker("v1")
	h.RegisterCheck("a", TierReadiness, func() error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthChecker_Readiness_SkipsFullTierChecks(t *testing.T) {
	h := NewHealthChecker("v1")
	h.RegisterCheck("a", TierReadiness, func() error { return nil })
	h.RegisterCheck("b", TierFull, func() error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("readiness should ignore the failing full-tier check, status = %d", rec.Code)
	}
}

func TestHealthChecker_Liveness_RunsNoChecks(t *testing.T) {
	h := NewHealthChecker("v1")
	h.RegisterCheck("a", TierReadiness, func() error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("liveness must never depend on checks, status = %d", rec.Code)
	}
}
