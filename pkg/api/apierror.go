// Package api exposes the payment core over HTTP. Errors are RFC 7807
// problem details carrying the core's error code, reason and classification.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

const problemTypeBase = "https://paycore.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path that produced the problem.
	Instance string `json:"instance,omitempty"`
	// Code, Reason and Classification mirror errorir.Error.
	Code           string `json:"code,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Classification string `json:"classification,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem detail for a bare status.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorFrom maps err onto a problem detail. Errors that carry no
// errorir code are treated as internal and their text is not exposed.
func WriteErrorFrom(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errorir.As(err)
	if !ok || e.Code == errorir.CodeInternal {
		slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		writeProblem(w, &ProblemDetail{
			Type:           problemTypeBase + strings.ToLower(string(errorir.CodeInternal)),
			Title:          http.StatusText(http.StatusInternalServerError),
			Status:         http.StatusInternalServerError,
			Detail:         "An unexpected error occurred. Please try again later.",
			Instance:       r.URL.Path,
			Code:           string(errorir.CodeInternal),
			Classification: errorir.ClassificationNonRetryable,
			TraceID:        traceID(r),
		})
		return
	}

	status := errorir.HTTPStatus(e.Code)
	detail := e.Detail
	if detail == "" && e.Cause != nil {
		detail = e.Cause.Error()
	}
	writeProblem(w, &ProblemDetail{
		Type:           problemTypeBase + strings.ToLower(string(e.Code)),
		Title:          http.StatusText(status),
		Status:         status,
		Detail:         detail,
		Instance:       r.URL.Path,
		Code:           string(e.Code),
		Reason:         e.Reason,
		Classification: e.Classification,
		TraceID:        traceID(r),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="paycore"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
