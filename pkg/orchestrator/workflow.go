package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/consent"
	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
)

// Transition is one entry of a workflow's history.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Workflow is a point-in-time copy of one payment's progress.
type Workflow struct {
	ID            string                       `json:"workflow_id"`
	Request       contracts.TransactionRequest `json:"request"`
	Status        Status                       `json:"status"`
	State         State                        `json:"state"`
	Risk          *contracts.RiskDecision      `json:"risk,omitempty"`
	Authorization *consent.Authorization       `json:"authorization,omitempty"`
	Plan          *contracts.RoutePlan         `json:"plan,omitempty"`
	EntryIDs      []string                     `json:"entry_ids"`
	History       []Transition                 `json:"history"`
	CreatedAt     time.Time                    `json:"created_at"`
	UpdatedAt     time.Time                    `json:"updated_at"`
}

// Suspended reports whether the workflow waits on a review or cosign signal.
func (w Workflow) Suspended() bool {
	return suspended(w.State)
}

// run is the orchestrator's mutable record of one workflow. Every field is
// guarded by mu.
type run struct {
	mu      sync.Mutex
	wf      Workflow
	changed chan struct{}
	running bool
	cancel  context.CancelCauseFunc
	driver  uint64 // bumped by each launch

	consent    contracts.Consent
	rail       string
	fee        decimal.Decimal
	holdPlaced bool
	settled    bool
}

func newRun(id string, req contracts.TransactionRequest, now time.Time) *run {
	return &run{
		wf: Workflow{
			ID:        id,
			Request:   req,
			Status:    StatusCreated,
			State:     Created{},
			EntryIDs:  []string{},
			History:   []Transition{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		changed: make(chan struct{}),
	}
}

// notify wakes every Await. Callers hold mu.
func (r *run) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// suspendLocked hands r back to callers in the same critical section that
// moved it into a suspended state. The driver goroutine still unwinds on its
// own. Callers hold mu.
func (r *run) suspendLocked() {
	r.running = false
	r.cancel = nil
	r.notify()
}

// snapshot copies wf. Callers hold mu.
func (r *run) snapshot() Workflow {
	w := r.wf
	w.EntryIDs = append([]string{}, r.wf.EntryIDs...)
	w.History = append([]Transition{}, r.wf.History...)
	if r.wf.Risk != nil {
		risk := *r.wf.Risk
		risk.Factors = append([]string(nil), r.wf.Risk.Factors...)
		w.Risk = &risk
	}
	if r.wf.Authorization != nil {
		auth := *r.wf.Authorization
		w.Authorization = &auth
	}
	if r.wf.Plan != nil {
		plan := *r.wf.Plan
		plan.Steps = append([]contracts.PlanStep(nil), r.wf.Plan.Steps...)
		w.Plan = &plan
	}
	return w
}

func (r *run) request() contracts.TransactionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.Request
}
