// Package orchestrator drives each payment through risk screening, consent
// authorization, routing and rail execution, posting the economic effect of
// every durable milestone to the ledger.
//
// Every workflow runs on its own goroutine and its own lock; there is no
// global workflow lock. A workflow suspends while it waits for a risk
// review or a cosign and is resumed by an external signal. Once a hold is
// placed, failure and cancellation both end in a compensating entry.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenhuangus/agent-payment-platform/pkg/consent"
	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/cosign"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
	"github.com/kenhuangus/agent-payment-platform/pkg/rails"
	"github.com/kenhuangus/agent-payment-platform/pkg/retry"
	"github.com/kenhuangus/agent-payment-platform/pkg/risk"
	"github.com/kenhuangus/agent-payment-platform/pkg/router"
)

var workflowNamespace = uuid.MustParse("2b9d6f0e-41a7-4c55-8d0c-7a0f3e5c9b14")

// ErrNotFound is returned for unknown workflow ids.
var ErrNotFound = errorir.New(errorir.CodeNotFound, "workflow_not_found", "")

// ErrInvalidState is returned when a signal does not apply to the workflow's state.
var ErrInvalidState = errorir.New(errorir.CodeInvalidState, "invalid_state", "")

// Consents is the part of the consent store a workflow uses.
type Consents interface {
	Get(ctx context.Context, id string) (contracts.Consent, error)
	Authorize(ctx context.Context, req consent.AuthorizeRequest) (consent.Authorization, error)
	CommitCosigned(ctx context.Context, req consent.AuthorizeRequest) (consent.Authorization, error)
	ReleaseUsage(ctx context.Context, consentID, usageID string) error
}

// Planner selects rails.
type Planner interface {
	Plan(ctx context.Context, req router.Request) (contracts.RoutePlan, error)
}

// Ledger records postings.
type Ledger interface {
	Post(ctx context.Context, e contracts.LedgerEntry) (contracts.LedgerEntry, error)
	AccountNet(ctx context.Context, txnID, account string) (decimal.Decimal, error)
}

// Approvals tracks review and cosign requests.
type Approvals interface {
	Open(ctx context.Context, workflowID string, kind cosign.Kind, approverGroup string, amountUSD decimal.Decimal, reason string) (*cosign.Request, error)
	Resolve(ctx context.Context, workflowID string, kind cosign.Kind, approverGroup, resolvedBy string, approved bool) (*cosign.Receipt, error)
	Expired(ctx context.Context) ([]*cosign.Receipt, error)
	Forget(workflowID string)
}

// Deps are the collaborators a workflow calls.
type Deps struct {
	Consents  Consents
	Risk      risk.Gate
	Router    Planner
	Ledger    Ledger
	Rails     rails.Adapter
	Approvals Approvals
}

// Config tunes execution.
type Config struct {
	StepTimeout time.Duration       `mapstructure:"step_timeout" yaml:"step_timeout"`
	ReviewGroup string              `mapstructure:"review_group" yaml:"review_group"`
	Retry       retry.BackoffPolicy `mapstructure:"retry" yaml:"retry"`
}

// DefaultConfig allows 30s per rail step and routes reviews to risk-ops.
func DefaultConfig() Config {
	return Config{
		StepTimeout: 30 * time.Second,
		ReviewGroup: "risk-ops",
		Retry:       retry.DefaultPolicy(),
	}
}

// Orchestrator owns every workflow.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	retrier *retry.Retrier
	clock   func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Consents == nil, deps.Risk == nil, deps.Router == nil,
		deps.Ledger == nil, deps.Rails == nil, deps.Approvals == nil:
		return nil, fmt.Errorf("orchestrator: missing dependency")
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	m, err := newMetrics(otel.Meter("paycore/orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("failed to init orchestrator metrics: %w", err)
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		retrier: retry.New(cfg.Retry),
		clock:   time.Now,
		logger:  slog.Default().With("component", "orchestrator"),
		tracer:  otel.Tracer("paycore/orchestrator"),
		metrics: m,
		runs:    make(map[string]*run),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithLogger overrides the logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With("component", "orchestrator")
	return o
}

// WithRetrier overrides the retrier used for risk, consent and router calls.
func (o *Orchestrator) WithRetrier(r *retry.Retrier) *Orchestrator {
	o.retrier = r
	return o
}

// Start validates req and launches a workflow for it. A request carrying a
// RequestID maps to a deterministic workflow id; starting the same request
// again returns the existing workflow unchanged, and reusing the RequestID
// for a different request is a conflict.
func (o *Orchestrator) Start(ctx context.Context, req contracts.TransactionRequest) (Workflow, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Workflow{}, err
	}
	id := workflowID(req)

	o.mu.Lock()
	if r, ok := o.runs[id]; ok {
		o.mu.Unlock()
		r.mu.Lock()
		defer r.mu.Unlock()
		if !sameRequest(r.wf.Request, req) {
			return Workflow{}, errorir.Newf(errorir.CodeConflict, "request_id_reused",
				"request_id %s already started workflow %s with different terms", req.RequestID, id)
		}
		return r.snapshot(), nil
	}
	r := newRun(id, req, o.clock())
	o.runs[id] = r
	r.mu.Lock()
	o.mu.Unlock()
	defer r.mu.Unlock()

	o.metrics.started.Add(ctx, 1)
	o.logger.InfoContext(ctx, "workflow started",
		"workflow_id", id, "agent_id", req.AgentID, "consent_id", req.ConsentID,
		"amount", req.Amount.String(), "currency", req.Currency)

	o.launchLocked(ctx, r, o.scoreRisk)
	return r.snapshot(), nil
}

// Get returns a snapshot of a workflow.
func (o *Orchestrator) Get(_ context.Context, id string) (Workflow, error) {
	r, err := o.lookup(id)
	if err != nil {
		return Workflow{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

// List returns snapshots of every workflow, oldest first.
func (o *Orchestrator) List(_ context.Context) []Workflow {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	out := make([]Workflow, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Await blocks until the workflow has no running driver, meaning it is
// terminal or suspended, or until ctx ends.
func (o *Orchestrator) Await(ctx context.Context, id string) (Workflow, error) {
	r, err := o.lookup(id)
	if err != nil {
		return Workflow{}, err
	}
	for {
		r.mu.Lock()
		if !r.running {
			w := r.snapshot()
			r.mu.Unlock()
			return w, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return Workflow{}, errorir.Wrap(ctx.Err(), errorir.CodeTimeout, "await_timeout", id)
		case <-changed:
		}
	}
}

// Shutdown waits for running drivers to finish or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(id string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	if !ok {
		return nil, ErrNotFound.WithDetail("workflow %s", id)
	}
	return r, nil
}

// launchLocked runs phase on a new goroutine. The driver's context outlives
// the caller's request but can be cancelled through r.cancel. Callers hold r.mu.
func (o *Orchestrator) launchLocked(parent context.Context, r *run, phase func(context.Context, *run)) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	r.driver++
	driver := r.driver
	r.running = true
	r.cancel = cancel
	r.notify()
	o.metrics.inFlight.Add(ctx, 1)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel(nil)
		phase(ctx, r)

		r.mu.Lock()
		// A suspended run may already have been resumed by a newer driver.
		if r.driver == driver && r.running {
			r.running = false
			r.cancel = nil
			r.notify()
		}
		r.mu.Unlock()
		o.metrics.inFlight.Add(ctx, -1)
	}()
}

// advanceLocked moves r to next. Callers hold r.mu.
func (o *Orchestrator) advanceLocked(ctx context.Context, r *run, next State, note string) error {
	from := r.wf.Status
	to := next.Status()
	if !canTransition(from, to) {
		o.logger.ErrorContext(ctx, "illegal transition", "workflow_id", r.wf.ID, "from", from, "to", to)
		return ErrInvalidState.WithDetail("workflow %s cannot move from %s to %s", r.wf.ID, from, to)
	}
	now := o.clock()
	r.wf.State = next
	r.wf.Status = to
	r.wf.UpdatedAt = now
	r.wf.History = append(r.wf.History, Transition{From: from, To: to, At: now, Note: note})
	r.notify()

	o.metrics.transition(ctx, to)
	if to.Terminal() {
		o.finished(ctx, r.wf.ID, next)
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, r *run, next State, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return o.advanceLocked(ctx, r, next, note)
}

// updateLocked replaces the state's data without changing its status.
func (o *Orchestrator) updateLocked(r *run, s State) {
	r.wf.State = s
	r.wf.UpdatedAt = o.clock()
	r.notify()
}

func (o *Orchestrator) finished(ctx context.Context, id string, s State) {
	code, reason := "", ""
	switch st := s.(type) {
	case Failed:
		code, reason = string(st.Code), st.Reason
	case ConsentDenied:
		code, reason = string(errorir.CodeDenied), st.Reason
	case RiskRejected:
		code, reason = string(errorir.CodeRejected), st.Reason
	}
	o.metrics.finish(ctx, s.Status(), code)

	if code == "" {
		o.logger.InfoContext(ctx, "workflow finished", "workflow_id", id, "status", s.Status())
		return
	}
	o.logger.WarnContext(ctx, "workflow finished", "workflow_id", id, "status", s.Status(), "code", code, "reason", reason)
}

// call runs a risk, consent or router call, retrying transient failures.
func (o *Orchestrator) call(ctx context.Context, key string, fn func(context.Context) error) error {
	return o.retrier.Do(ctx, key, errorir.IsRetryable, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
}

func workflowID(req contracts.TransactionRequest) string {
	if req.RequestID == "" {
		return "wf_" + uuid.NewString()
	}
	return "wf_" + uuid.NewSHA1(workflowNamespace, []byte(req.AgentID+"\x00"+req.RequestID)).String()
}

// sameRequest compares two normalized requests.
func sameRequest(a, b contracts.TransactionRequest) bool {
	return a.AgentID == b.AgentID &&
		a.ConsentID == b.ConsentID &&
		a.Amount.Equal(b.Amount) &&
		a.Currency == b.Currency &&
		consent.NormalizeCounterparty(a.Counterparty) == consent.NormalizeCounterparty(b.Counterparty) &&
		a.Rail == b.Rail &&
		a.Memo == b.Memo
}

func normalizeRequest(req contracts.TransactionRequest) (contracts.TransactionRequest, error) {
	invalid := func(reason, format string, args ...any) error {
		return errorir.Newf(errorir.CodeInvalidRequest, reason, format, args...)
	}
	switch {
	case strings.TrimSpace(req.AgentID) == "":
		return req, invalid("missing_agent", "agent_id is required")
	case strings.TrimSpace(req.ConsentID) == "":
		return req, invalid("missing_consent", "consent_id is required")
	case strings.TrimSpace(req.Counterparty) == "":
		return req, invalid("missing_counterparty", "counterparty is required")
	case !req.Amount.IsPositive():
		return req, invalid("non_positive_amount", "amount %s must be positive", req.Amount)
	}
	m, err := finance.NewMoney(req.Amount, req.Currency)
	if err != nil {
		return req, errorir.Wrap(err, errorir.CodeInvalidRequest, "invalid_currency", req.Currency)
	}
	if !m.Amount.Equal(m.Round().Amount) {
		return req, invalid("precision_exceeds_currency", "%s has more than %d decimals for %s", req.Amount, finance.Scale(m.Currency), m.Currency)
	}
	req.Currency = m.Currency
	req.Rail = strings.ToLower(strings.TrimSpace(req.Rail))
	return req, nil
}
