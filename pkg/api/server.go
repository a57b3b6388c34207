package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/observability"
	"github.com/kenhuangus/agent-payment-platform/pkg/orchestrator"
)

// Payments is the workflow surface the API drives.
type Payments interface {
	Start(ctx context.Context, req contracts.TransactionRequest) (orchestrator.Workflow, error)
	Get(ctx context.Context, id string) (orchestrator.Workflow, error)
	Await(ctx context.Context, id string) (orchestrator.Workflow, error)
	Resume(ctx context.Context, id, approverGroup, approver string, approved bool) (orchestrator.Workflow, error)
	DisposeReview(ctx context.Context, id, reviewerGroup, reviewer string, approve bool) (orchestrator.Workflow, error)
	Cancel(ctx context.Context, id, reason string) (orchestrator.Workflow, error)
	Audit(ctx context.Context, books orchestrator.Books, from, to time.Time) (orchestrator.AuditReport, error)
}

// Consents is the consent administration surface.
type Consents interface {
	Create(ctx context.Context, c contracts.Consent) (contracts.Consent, error)
	Get(ctx context.Context, id string) (contracts.Consent, error)
	Revoke(ctx context.Context, id string) (contracts.Consent, error)
	List(ctx context.Context, agentID string) ([]contracts.Consent, error)
}

// Ledger is the read side of the ledger.
type Ledger interface {
	orchestrator.Books
	Get(ctx context.Context, entryID string) (contracts.LedgerEntry, error)
}

// Deps are the collaborators behind the routes. Telemetry and Limiter are
// optional.
type Deps struct {
	Payments  Payments
	Consents  Consents
	Ledger    Ledger
	Validator *JWTValidator
	Limiter   *RateLimiter
	Telemetry *observability.Provider
	Logger    *slog.Logger
}

// Server routes HTTP requests to the payment core.
type Server struct {
	payments  Payments
	consents  Consents
	ledger    Ledger
	validator *JWTValidator
	limiter   *RateLimiter
	telemetry *observability.Provider
	schemas   schemas
	logger    *slog.Logger
}

// NewServer compiles request schemas and checks required deps.
func NewServer(deps Deps) (*Server, error) {
	if deps.Payments == nil || deps.Consents == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("api: payments, consents and ledger are required")
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		payments:  deps.Payments,
		consents:  deps.Consents,
		ledger:    deps.Ledger,
		validator: deps.Validator,
		limiter:   deps.Limiter,
		telemetry: deps.Telemetry,
		schemas:   compiled,
		logger:    logger.With("component", "api"),
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	approver := RequireApprover(s.validator)

	routes := []struct {
		pattern string
		handler http.Handler
	}{
		{"GET /healthz", http.HandlerFunc(s.handleHealth)},
		{"POST /v1/consents", http.HandlerFunc(s.handleCreateConsent)},
		{"GET /v1/consents", http.HandlerFunc(s.handleListConsents)},
		{"GET /v1/consents/{id}", http.HandlerFunc(s.handleGetConsent)},
		{"POST /v1/consents/{id}/revoke", http.HandlerFunc(s.handleRevokeConsent)},
		{"POST /v1/payments", http.HandlerFunc(s.handleStartPayment)},
		{"GET /v1/workflows/{id}", http.HandlerFunc(s.handleGetWorkflow)},
		{"POST /v1/workflows/{id}/cosign", approver(http.HandlerFunc(s.handleCosign))},
		{"POST /v1/workflows/{id}/review", approver(http.HandlerFunc(s.handleReview))},
		{"POST /v1/workflows/{id}/cancel", http.HandlerFunc(s.handleCancel)},
		{"GET /v1/ledger/entries/{id}", http.HandlerFunc(s.handleGetEntry)},
		{"GET /v1/ledger/verify", http.HandlerFunc(s.handleVerify)},
		{"GET /v1/ledger/balances", http.HandlerFunc(s.handleBalances)},
		{"GET /v1/audit", http.HandlerFunc(s.handleAudit)},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, withTelemetry(s.telemetry, rt.pattern, rt.handler))
	}

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return withRequestID(h)
}
