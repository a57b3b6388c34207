package orchestrator

import (
	"context"

	"github.com/kenhuangus/agent-payment-platform/pkg/consent"
	"github.com/kenhuangus/agent-payment-platform/pkg/cosign"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

// Resume delivers a cosign decision to a workflow suspended in
// ConsentRequiresCosign. An approval re-checks the consent, commits its
// usage and continues to routing; a denial or an expired request ends the
// workflow in ConsentDenied. A group that cannot approve the request is
// refused and the workflow stays suspended.
func (o *Orchestrator) Resume(ctx context.Context, id, approverGroup, approver string, approved bool) (Workflow, error) {
	r, err := o.lookup(id)
	if err != nil {
		return Workflow{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.wf.State.(ConsentRequiresCosign); !ok || r.running {
		return Workflow{}, ErrInvalidState.WithDetail("workflow %s is %s, not awaiting cosign", id, r.wf.Status)
	}
	receipt, err := o.deps.Approvals.Resolve(ctx, id, cosign.KindCosign, approverGroup, approver, approved)
	if err != nil {
		return Workflow{}, err
	}

	switch receipt.Outcome {
	case cosign.StatusTimedOut:
		_ = o.advanceLocked(ctx, r, ConsentDenied{Reason: "cosign_timeout", Detail: "cosign request expired"}, "")
		return r.snapshot(), nil
	case cosign.StatusDenied:
		_ = o.advanceLocked(ctx, r, ConsentDenied{Reason: "cosign_rejected", Detail: "rejected by " + approver}, approver)
		return r.snapshot(), nil
	}

	auth, err := o.deps.Consents.CommitCosigned(ctx, o.authorizeRequest(r.wf.Request, r.rail))
	if err != nil {
		if errorir.HasCode(err, errorir.CodeDenied) {
			e, _ := errorir.As(err)
			_ = o.advanceLocked(ctx, r, ConsentDenied{Reason: e.Reason, Detail: e.Detail}, "")
		} else {
			o.failLocked(ctx, r, err)
		}
		return r.snapshot(), nil
	}
	r.wf.Authorization = &auth
	if err := o.advanceLocked(ctx, r, ConsentAuthorized{Authorization: auth, CosignedBy: approver}, approver); err != nil {
		return Workflow{}, err
	}
	o.logger.InfoContext(ctx, "cosign approved", "workflow_id", id, "approver", approver, "approver_group", approverGroup)
	o.launchLocked(ctx, r, o.route)
	return r.snapshot(), nil
}

// DisposeReview delivers a manual risk review to a workflow held in
// RiskScoring. Approval continues to the consent check.
func (o *Orchestrator) DisposeReview(ctx context.Context, id, reviewerGroup, reviewer string, approve bool) (Workflow, error) {
	r, err := o.lookup(id)
	if err != nil {
		return Workflow{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.wf.State.(RiskScoring)
	if !ok || !st.PendingReview || r.running || st.Decision == nil {
		return Workflow{}, ErrInvalidState.WithDetail("workflow %s is %s, not awaiting review", id, r.wf.Status)
	}
	receipt, err := o.deps.Approvals.Resolve(ctx, id, cosign.KindReview, reviewerGroup, reviewer, approve)
	if err != nil {
		return Workflow{}, err
	}

	decision := *st.Decision
	switch receipt.Outcome {
	case cosign.StatusTimedOut:
		_ = o.advanceLocked(ctx, r, RiskRejected{Decision: decision, Reason: "review_timeout"}, "")
		return r.snapshot(), nil
	case cosign.StatusDenied:
		_ = o.advanceLocked(ctx, r, RiskRejected{Decision: decision, Reason: "review_rejected"}, reviewer)
		return r.snapshot(), nil
	}
	if err := o.advanceLocked(ctx, r, RiskApproved{Decision: decision, Reviewer: reviewer}, reviewer); err != nil {
		return Workflow{}, err
	}
	o.launchLocked(ctx, r, o.checkConsent)
	return r.snapshot(), nil
}

// Cancel stops a workflow. A running driver is interrupted and fails at its
// next step boundary or rail call; a suspended workflow fails immediately.
// Either way an outstanding hold is compensated. A stopped workflow that has
// posted entries but holds nothing cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (Workflow, error) {
	r, err := o.lookup(id)
	if err != nil {
		return Workflow{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wf.Status.Terminal() {
		return Workflow{}, ErrInvalidState.WithDetail("workflow %s already %s", id, r.wf.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}
	cause := errorir.New(errorir.CodeCancelled, "cancelled", reason)
	o.logger.InfoContext(ctx, "cancelling workflow", "workflow_id", id, "status", r.wf.Status, "reason", reason)

	if r.running {
		r.cancel(cause)
		return r.snapshot(), nil
	}
	if len(r.wf.EntryIDs) > 0 && !r.holdPlaced {
		return Workflow{}, ErrInvalidState.WithDetail("workflow %s has ledger postings and no hold to compensate", id)
	}
	o.deps.Approvals.Forget(id)
	o.failLocked(ctx, r, cause)
	return r.snapshot(), nil
}

// SweepExpired times out every overdue cosign and review request and ends
// the workflows waiting on them. It returns the number of workflows ended.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	receipts, err := o.deps.Approvals.Expired(ctx)
	if err != nil {
		return 0, err
	}
	ended := 0
	for _, receipt := range receipts {
		r, err := o.lookup(receipt.WorkflowID)
		if err != nil {
			continue
		}
		r.mu.Lock()
		if o.expireLocked(ctx, r, receipt.Kind) {
			ended++
		}
		r.mu.Unlock()
	}
	if ended > 0 {
		o.logger.InfoContext(ctx, "expired suspended workflows", "count", ended)
	}
	return ended, nil
}

func (o *Orchestrator) expireLocked(ctx context.Context, r *run, kind cosign.Kind) bool {
	if r.running {
		return false
	}
	switch st := r.wf.State.(type) {
	case ConsentRequiresCosign:
		if kind != cosign.KindCosign {
			return false
		}
		return o.advanceLocked(ctx, r, ConsentDenied{Reason: "cosign_timeout", Detail: "cosign request expired"}, "") == nil
	case RiskScoring:
		if kind != cosign.KindReview || !st.PendingReview || st.Decision == nil {
			return false
		}
		return o.advanceLocked(ctx, r, RiskRejected{Decision: *st.Decision, Reason: "review_timeout"}, "") == nil
	}
	return false
}

var _ Consents = (*consent.Store)(nil)
