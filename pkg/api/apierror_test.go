package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kenhuangus/agent-payment-platform/pkg/api"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return problem
}

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	problem := decodeProblem(t, w)
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Title != "Bad Request" {
		t.Errorf("expected title 'Bad Request', got %q", problem.Title)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestWriteErrorFrom_MapsCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
		reason string
		class  string
	}{
		{errorir.New(errorir.CodeNotFound, "consent_not_found", "c-1"), 404, "NOT_FOUND", "consent_not_found", errorir.ClassificationNonRetryable},
		{errorir.New(errorir.CodeConflict, "consent_exists", ""), 409, "CONFLICT", "consent_exists", errorir.ClassificationNonRetryable},
		{errorir.New(errorir.CodeInvalidConsent, "empty_rails", ""), 422, "INVALID_CONSENT", "empty_rails", errorir.ClassificationNonRetryable},
		{errorir.New(errorir.CodeDenied, "approver_group_mismatch", ""), 403, "DENIED", "approver_group_mismatch", errorir.ClassificationNonRetryable},
		{errorir.New(errorir.CodeInvalidState, "invalid_state", ""), 409, "INVALID_STATE", "invalid_state", errorir.ClassificationNonRetryable},
		{errorir.New(errorir.CodeRailTransient, "rail_unavailable", ""), 503, "RAIL_TRANSIENT", "rail_unavailable", errorir.ClassificationRetryable},
		{fmt.Errorf("lookup: %w", errorir.New(errorir.CodeNotFound, "workflow_not_found", "")), 404, "NOT_FOUND", "workflow_not_found", errorir.ClassificationNonRetryable},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/things/1", nil)
		w := httptest.NewRecorder()
		api.WriteErrorFrom(w, req, tc.err)

		if w.Code != tc.status {
			t.Errorf("%v: expected status %d, got %d", tc.err, tc.status, w.Code)
		}
		problem := decodeProblem(t, w)
		if problem.Code != tc.code || problem.Reason != tc.reason || problem.Classification != tc.class {
			t.Errorf("%v: got code=%q reason=%q class=%q", tc.err, problem.Code, problem.Reason, problem.Classification)
		}
		if problem.Instance != "/v1/things/1" {
			t.Errorf("expected instance /v1/things/1, got %q", problem.Instance)
		}
	}
}

func TestWriteErrorFrom_SanitizesInternal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/ledger/balances", nil)
	w := httptest.NewRecorder()
	api.WriteErrorFrom(w, req, errors.New("pq: connection refused to host=10.0.0.1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
	problem := decodeProblem(t, w)
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if problem.Code != "INTERNAL" {
		t.Errorf("expected code INTERNAL, got %q", problem.Code)
	}
}

func TestWriteErrorFrom_DetailFallsBackToCause(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	api.WriteErrorFrom(w, req, errorir.Wrap(errors.New("unknown currency XYZ"), errorir.CodeInvalidRequest, "invalid_currency", ""))

	problem := decodeProblem(t, w)
	if problem.Detail != "unknown currency XYZ" {
		t.Errorf("expected cause as detail, got %q", problem.Detail)
	}
}

func TestWriteErrorFrom_TraceIDFromRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	api.WriteErrorFrom(w, req, errorir.New(errorir.CodeNotFound, "", ""))

	if problem := decodeProblem(t, w); problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	if problem := decodeProblem(t, w); problem.Detail != "Authentication required" {
		t.Errorf("expected default detail, got %q", problem.Detail)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}
}
