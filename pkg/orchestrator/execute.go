package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenhuangus/agent-payment-platform/pkg/consent"
	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/cosign"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
	"github.com/kenhuangus/agent-payment-platform/pkg/ledger"
	"github.com/kenhuangus/agent-payment-platform/pkg/observability"
	"github.com/kenhuangus/agent-payment-platform/pkg/rails"
	"github.com/kenhuangus/agent-payment-platform/pkg/risk"
	"github.com/kenhuangus/agent-payment-platform/pkg/router"
)

// scoreRisk is the first phase: Created -> RiskScoring -> RiskApproved,
// RiskRejected or a pending review.
func (o *Orchestrator) scoreRisk(ctx context.Context, r *run) {
	if err := o.advance(ctx, r, RiskScoring{}, ""); err != nil {
		return
	}
	if o.stopIfCancelled(ctx, r) {
		return
	}

	req := r.request()
	in := risk.Input{
		AgentID:      req.AgentID,
		ConsentID:    req.ConsentID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Counterparty: req.Counterparty,
	}
	if req.Rail != "" {
		in.Context = map[string]string{"rail": req.Rail}
	}

	var decision contracts.RiskDecision
	err := o.call(ctx, entryID(r.wf.ID, "risk"), func(ctx context.Context) error {
		d, err := o.deps.Risk.Score(ctx, in)
		decision = d
		return err
	})
	if err != nil {
		o.fail(ctx, r, err)
		return
	}

	r.mu.Lock()
	r.wf.Risk = &decision
	switch decision.Decision {
	case contracts.VerdictReject:
		_ = o.advanceLocked(ctx, r, RiskRejected{Decision: decision, Reason: "risk_rejected"}, decision.Reason)
		r.mu.Unlock()
		return

	case contracts.VerdictReview:
		if ctx.Err() != nil {
			r.mu.Unlock()
			o.stopIfCancelled(ctx, r)
			return
		}
		if _, err := o.deps.Approvals.Open(ctx, r.wf.ID, cosign.KindReview, o.cfg.ReviewGroup, req.Amount, decision.Reason); err != nil {
			o.failLocked(ctx, r, err)
			r.mu.Unlock()
			return
		}
		o.updateLocked(r, RiskScoring{Decision: &decision, PendingReview: true})
		r.suspendLocked()
		o.logger.InfoContext(ctx, "workflow awaiting risk review", "workflow_id", r.wf.ID, "score", decision.Score)
		r.mu.Unlock()
		return
	}
	err = o.advanceLocked(ctx, r, RiskApproved{Decision: decision}, "")
	r.mu.Unlock()
	if err != nil {
		return
	}
	o.checkConsent(ctx, r)
}

// checkConsent resolves the rail and authorizes against the consent:
// RiskApproved -> ConsentChecking -> ConsentAuthorized, ConsentDenied or
// ConsentRequiresCosign.
func (o *Orchestrator) checkConsent(ctx context.Context, r *run) {
	if err := o.advance(ctx, r, ConsentChecking{}, ""); err != nil {
		return
	}
	if o.stopIfCancelled(ctx, r) {
		return
	}
	req := r.request()

	var c contracts.Consent
	err := o.call(ctx, entryID(r.wf.ID, "consent"), func(ctx context.Context) error {
		var err error
		c, err = o.deps.Consents.Get(ctx, req.ConsentID)
		return err
	})
	found := err == nil
	if err != nil && !errors.Is(err, consent.ErrNotFound) {
		o.fail(ctx, r, err)
		return
	}

	// A missing consent still goes through Authorize so the denial is
	// reported the same way as every other.
	rail := req.Rail
	if found && rail == "" {
		plan, err := o.plan(ctx, r, c.Rails)
		if err != nil {
			o.fail(ctx, r, err)
			return
		}
		rail = plan.Rail
	}

	r.mu.Lock()
	r.consent = c
	r.rail = rail
	o.updateLocked(r, ConsentChecking{Rail: rail})
	r.mu.Unlock()

	var auth consent.Authorization
	err = o.call(ctx, entryID(r.wf.ID, "authorize"), func(ctx context.Context) error {
		var err error
		auth, err = o.deps.Consents.Authorize(ctx, o.authorizeRequest(req, rail))
		return err
	})

	if o.authorized(ctx, r, auth, err) {
		o.route(ctx, r)
	}
}

// authorized records the consent outcome and reports whether the workflow
// should go on to routing.
func (o *Orchestrator) authorized(ctx context.Context, r *run, auth consent.Authorization, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if errorir.HasCode(err, errorir.CodeDenied) {
			e, _ := errorir.As(err)
			_ = o.advanceLocked(ctx, r, ConsentDenied{Reason: e.Reason, Detail: e.Detail}, "")
			return false
		}
		o.failLocked(ctx, r, err)
		return false
	}
	r.wf.Authorization = &auth

	if ctx.Err() != nil {
		o.failLocked(ctx, r, cancelled(ctx))
		return false
	}
	if auth.Outcome == consent.OutcomeRequiresCosign {
		areq, err := o.deps.Approvals.Open(ctx, r.wf.ID, cosign.KindCosign, auth.ApproverGroup, auth.AmountUSD, "amount at or above cosign threshold")
		if err != nil {
			o.failLocked(ctx, r, err)
			return false
		}
		if err := o.advanceLocked(ctx, r, ConsentRequiresCosign{
			ApproverGroup: auth.ApproverGroup,
			RequestID:     areq.ID,
			ExpiresAt:     areq.ExpiresAt,
		}, ""); err != nil {
			return false
		}
		r.suspendLocked()
		o.logger.InfoContext(ctx, "workflow awaiting cosign", "workflow_id", r.wf.ID, "approver_group", auth.ApproverGroup)
		return false
	}
	return o.advanceLocked(ctx, r, ConsentAuthorized{Authorization: auth}, "") == nil
}

func (o *Orchestrator) authorizeRequest(req contracts.TransactionRequest, rail string) consent.AuthorizeRequest {
	return consent.AuthorizeRequest{
		ConsentID:    req.ConsentID,
		AgentID:      req.AgentID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Counterparty: req.Counterparty,
		Rail:         rail,
		At:           o.clock(),
	}
}

func (o *Orchestrator) plan(ctx context.Context, r *run, eligible []string) (contracts.RoutePlan, error) {
	req := r.request()
	var plan contracts.RoutePlan
	err := o.call(ctx, entryID(r.wf.ID, "route"), func(ctx context.Context) error {
		var err error
		plan, err = o.deps.Router.Plan(ctx, router.Request{
			Amount:       req.Amount,
			Currency:     req.Currency,
			Counterparty: req.Counterparty,
			Eligible:     eligible,
		})
		return err
	})
	return plan, err
}

// route binds the authorized rail to a plan: ConsentAuthorized -> Routed.
func (o *Orchestrator) route(ctx context.Context, r *run) {
	if o.stopIfCancelled(ctx, r) {
		return
	}
	r.mu.Lock()
	rail := r.rail
	if r.wf.Authorization != nil && r.wf.Authorization.Rail != "" {
		rail = r.wf.Authorization.Rail
	}
	r.mu.Unlock()

	plan, err := o.plan(ctx, r, []string{rail})
	if err != nil {
		o.fail(ctx, r, err)
		return
	}

	r.mu.Lock()
	r.wf.Plan = &plan
	err = o.advanceLocked(ctx, r, Routed{Plan: plan}, plan.Rail)
	r.mu.Unlock()
	if err != nil {
		return
	}
	o.execute(ctx, r)
}

// execute drives the plan steps, Routed -> Authorizing -> ... -> Completed.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	r.mu.Lock()
	steps := append([]contracts.PlanStep(nil), r.wf.Plan.Steps...)
	r.mu.Unlock()

	for _, step := range steps {
		if o.stopIfCancelled(ctx, r) {
			return
		}
		committed, amount, err := o.runStep(ctx, r, step)
		if err != nil {
			o.fail(ctx, r, err)
			return
		}

		r.mu.Lock()
		if committed.EntryID != "" {
			r.wf.EntryIDs = append(r.wf.EntryIDs, committed.EntryID)
		}
		switch step {
		case contracts.StepHold:
			r.holdPlaced = true
		case contracts.StepSettle:
			r.settled = true
		}
		err = o.advanceLocked(ctx, r, stepState(committed, amount), "")
		r.mu.Unlock()
		if err != nil {
			return
		}
	}
	_ = o.advance(ctx, r, Completed{}, "")
}

// runStep calls the rail for step and commits its posting.
func (o *Orchestrator) runStep(ctx context.Context, r *run, step contracts.PlanStep) (StepCommitted, decimal.Decimal, error) {
	r.mu.Lock()
	wf := r.wf
	c := r.consent
	fee := r.fee
	r.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		observability.AttrWorkflowID.String(wf.ID),
		observability.AttrRail.String(wf.Plan.Rail),
		observability.AttrStep.String(string(step)),
	))
	defer span.End()

	sub := rails.Submission{
		WorkflowID:     wf.ID,
		Rail:           wf.Plan.Rail,
		Step:           step,
		Amount:         wf.Request.Amount,
		Currency:       wf.Request.Currency,
		Counterparty:   wf.Request.Counterparty,
		IdempotencyKey: entryID(wf.ID, string(step)),
	}
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	start := time.Now()
	ack, err := o.deps.Rails.Submit(stepCtx, sub)
	cancel()
	o.metrics.step(ctx, wf.Plan.Rail, string(step), time.Since(start), err)
	if err != nil {
		err = o.railError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StepCommitted{}, decimal.Zero, err
	}

	if step == contracts.StepSettle {
		fee = o.settlementFee(ctx, wf, ack)
		r.mu.Lock()
		r.fee = fee
		r.mu.Unlock()
	}

	committed := StepCommitted{Step: step, Reference: ack.Reference}
	p, err := newPosting(wf, c, fee)
	if err != nil {
		return StepCommitted{}, decimal.Zero, err
	}
	entry, amount, ok := p.forStep(step)
	if !ok {
		return committed, amount, nil
	}
	posted, err := o.deps.Ledger.Post(context.WithoutCancel(ctx), entry)
	if err != nil && !ledger.IsReplay(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StepCommitted{}, decimal.Zero, err
	}
	committed.EntryID = posted.EntryID
	return committed, amount, nil
}

// settlementFee is the rail-reported fee, else the estimate, rounded to the
// currency's minor unit and never more than the reserve held for it.
func (o *Orchestrator) settlementFee(ctx context.Context, wf Workflow, ack rails.Ack) decimal.Decimal {
	fee := finance.Money{Amount: wf.Plan.EstimatedFee, Currency: wf.Request.Currency}
	if ack.Fee != nil {
		fee.Amount = *ack.Fee
	}
	fee = fee.Round()
	if fee.Amount.IsNegative() {
		fee.Amount = decimal.Zero
	}
	reserve := finance.Money{Amount: wf.Plan.FeeReserve, Currency: wf.Request.Currency}
	if fee.Amount.GreaterThan(reserve.Amount) {
		o.logger.WarnContext(ctx, "rail fee exceeds reserve, capping",
			"workflow_id", wf.ID, "fee", fee.String(), "reserve", reserve.String())
		fee = reserve
	}
	return fee.Amount
}

// railError maps context failures: a cancelled run is a cancellation, an
// expired step deadline is a timeout.
func (o *Orchestrator) railError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rails.FromContext(ctx, err)
	}
	return err
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if e, ok := errorir.As(cause); ok && e.Code == errorir.CodeCancelled {
		return e
	}
	return errorir.Wrap(cause, errorir.CodeCancelled, "cancelled", "workflow cancelled")
}

// stopIfCancelled fails r when its driver context was cancelled.
func (o *Orchestrator) stopIfCancelled(ctx context.Context, r *run) bool {
	if ctx.Err() == nil {
		return false
	}
	o.fail(ctx, r, cancelled(ctx))
	return true
}

func (o *Orchestrator) fail(ctx context.Context, r *run, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.failLocked(ctx, r, err)
}

// failLocked compensates any outstanding hold, returns unsettled consent
// usage and moves r to Failed. Callers hold r.mu.
func (o *Orchestrator) failLocked(ctx context.Context, r *run, err error) {
	ctx = context.WithoutCancel(ctx)
	if r.wf.Status.Terminal() {
		return
	}

	e, ok := errorir.As(err)
	if !ok {
		e = errorir.Wrap(err, errorir.CodeInternal, "internal", "")
	}
	failed := Failed{Code: e.Code, Reason: e.Reason, Detail: e.Detail, From: r.wf.Status}
	if failed.Detail == "" && e.Cause != nil {
		failed.Detail = e.Cause.Error()
	}

	if r.holdPlaced {
		id, cerr := o.compensateLocked(ctx, r)
		if cerr != nil {
			o.logger.ErrorContext(ctx, "compensation failed", "workflow_id", r.wf.ID, "error", cerr)
		}
		failed.CompensationEntryID = id
	}
	if !r.settled && r.wf.Authorization != nil && r.wf.Authorization.UsageID != "" {
		if rerr := o.deps.Consents.ReleaseUsage(ctx, r.wf.Authorization.ConsentID, r.wf.Authorization.UsageID); rerr != nil {
			o.logger.ErrorContext(ctx, "failed to release consent usage", "workflow_id", r.wf.ID, "error", rerr)
		}
	}
	_ = o.advanceLocked(ctx, r, failed, "")
}

// compensateLocked posts a reversing entry for whatever the hold account
// still carries. It is idempotent per workflow.
func (o *Orchestrator) compensateLocked(ctx context.Context, r *run) (string, error) {
	outstanding, err := o.deps.Ledger.AccountNet(ctx, r.wf.ID, holdAccount(r.wf.ID))
	if err != nil {
		return "", err
	}
	if !outstanding.IsPositive() {
		return "", nil
	}
	p, err := newPosting(r.wf, r.consent, r.fee)
	if err != nil {
		return "", err
	}
	posted, err := o.deps.Ledger.Post(ctx, p.compensation(outstanding))
	if err != nil && !ledger.IsReplay(err) {
		return "", err
	}
	r.wf.EntryIDs = append(r.wf.EntryIDs, posted.EntryID)
	o.logger.InfoContext(ctx, "hold compensated", "workflow_id", r.wf.ID, "amount", outstanding.String())
	return posted.EntryID, nil
}
