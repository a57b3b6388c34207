package orchestrator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/consent"
	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

// Status names a workflow state.
type Status string

const (
	StatusCreated               Status = "Created"
	StatusRiskScoring           Status = "RiskScoring"
	StatusRiskApproved          Status = "RiskApproved"
	StatusRiskRejected          Status = "RiskRejected"
	StatusConsentChecking       Status = "ConsentChecking"
	StatusConsentAuthorized     Status = "ConsentAuthorized"
	StatusConsentRequiresCosign Status = "ConsentRequiresCosign"
	StatusConsentDenied         Status = "ConsentDenied"
	StatusRouted                Status = "Routed"
	StatusAuthorizing           Status = "Authorizing"
	StatusHoldPlaced            Status = "HoldPlaced"
	StatusSubmitting            Status = "Submitting"
	StatusSettled               Status = "Settled"
	StatusHoldReleased          Status = "HoldReleased"
	StatusReconciled            Status = "Reconciled"
	StatusCompleted             Status = "Completed"
	StatusFailed                Status = "Failed"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRiskRejected, StatusConsentDenied, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// transitions lists the legal successors of each state. Failed is reachable
// from every non-terminal state and is not listed.
var transitions = map[Status][]Status{
	StatusCreated:               {StatusRiskScoring},
	StatusRiskScoring:           {StatusRiskApproved, StatusRiskRejected},
	StatusRiskApproved:          {StatusConsentChecking},
	StatusConsentChecking:       {StatusConsentAuthorized, StatusConsentRequiresCosign, StatusConsentDenied},
	StatusConsentRequiresCosign: {StatusConsentAuthorized, StatusConsentDenied},
	StatusConsentAuthorized:     {StatusRouted},
	StatusRouted:                {StatusAuthorizing},
	StatusAuthorizing:           {StatusHoldPlaced},
	StatusHoldPlaced:            {StatusSubmitting},
	StatusSubmitting:            {StatusSettled},
	StatusSettled:               {StatusHoldReleased},
	StatusHoldReleased:          {StatusReconciled},
	StatusReconciled:            {StatusCompleted},
}

func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// State is one workflow state together with the data it carries. The
// concrete types below are the only implementations.
type State interface {
	Status() Status
	isState()
}

type Created struct{}

// RiskScoring is held while a review-band decision awaits disposition.
type RiskScoring struct {
	Decision      *contracts.RiskDecision `json:"decision,omitempty"`
	PendingReview bool                    `json:"pending_review"`
}

type RiskApproved struct {
	Decision contracts.RiskDecision `json:"decision"`
	Reviewer string                 `json:"reviewer,omitempty"`
}

type RiskRejected struct {
	Decision contracts.RiskDecision `json:"decision"`
	Reason   string                 `json:"reason"`
}

type ConsentChecking struct {
	Rail string `json:"rail"`
}

type ConsentAuthorized struct {
	Authorization consent.Authorization `json:"authorization"`
	CosignedBy    string                `json:"cosigned_by,omitempty"`
}

type ConsentRequiresCosign struct {
	ApproverGroup string    `json:"approver_group"`
	RequestID     string    `json:"request_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type ConsentDenied struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type Routed struct {
	Plan contracts.RoutePlan `json:"plan"`
}

// StepCommitted is carried by every execution state: the step's rail call
// was acknowledged and its posting, if any, committed.
type StepCommitted struct {
	Step      contracts.PlanStep `json:"step"`
	EntryID   string             `json:"entry_id,omitempty"`
	Reference string             `json:"reference,omitempty"`
}

type Authorizing struct{ StepCommitted }

type HoldPlaced struct {
	StepCommitted
	Amount decimal.Decimal `json:"amount"`
}

type Submitting struct{ StepCommitted }

type Settled struct {
	StepCommitted
	Fee decimal.Decimal `json:"fee"`
}

type HoldReleased struct {
	StepCommitted
	Released decimal.Decimal `json:"released"`
}

type Reconciled struct{ StepCommitted }

type Completed struct{}

// Failed is terminal. CompensationEntryID is set when a reversing entry was posted.
type Failed struct {
	Code                errorir.Code `json:"code"`
	Reason              string       `json:"reason,omitempty"`
	Detail              string       `json:"detail,omitempty"`
	From                Status       `json:"from"`
	CompensationEntryID string       `json:"compensation_entry_id,omitempty"`
}

func (Created) Status() Status               { return StatusCreated }
func (RiskScoring) Status() Status           { return StatusRiskScoring }
func (RiskApproved) Status() Status          { return StatusRiskApproved }
func (RiskRejected) Status() Status          { return StatusRiskRejected }
func (ConsentChecking) Status() Status       { return StatusConsentChecking }
func (ConsentAuthorized) Status() Status     { return StatusConsentAuthorized }
func (ConsentRequiresCosign) Status() Status { return StatusConsentRequiresCosign }
func (ConsentDenied) Status() Status         { return StatusConsentDenied }
func (Routed) Status() Status                { return StatusRouted }
func (Authorizing) Status() Status           { return StatusAuthorizing }
func (HoldPlaced) Status() Status            { return StatusHoldPlaced }
func (Submitting) Status() Status            { return StatusSubmitting }
func (Settled) Status() Status               { return StatusSettled }
func (HoldReleased) Status() Status          { return StatusHoldReleased }
func (Reconciled) Status() Status            { return StatusReconciled }
func (Completed) Status() Status             { return StatusCompleted }
func (Failed) Status() Status                { return StatusFailed }

func (Created) isState()               {}
func (RiskScoring) isState()           {}
func (RiskApproved) isState()          {}
func (RiskRejected) isState()          {}
func (ConsentChecking) isState()       {}
func (ConsentAuthorized) isState()     {}
func (ConsentRequiresCosign) isState() {}
func (ConsentDenied) isState()         {}
func (Routed) isState()                {}
func (Authorizing) isState()           {}
func (HoldPlaced) isState()            {}
func (Submitting) isState()            {}
func (Settled) isState()               {}
func (HoldReleased) isState()          {}
func (Reconciled) isState()            {}
func (Completed) isState()             {}
func (Failed) isState()                {}

// suspended reports whether s waits on an external signal.
func suspended(s State) bool {
	switch st := s.(type) {
	case RiskScoring:
		return st.PendingReview
	case ConsentRequiresCosign:
		return true
	}
	return false
}

// stepState builds the execution state entered once step commits.
func stepState(c StepCommitted, amount decimal.Decimal) State {
	switch c.Step {
	case contracts.StepAuthorize:
		return Authorizing{c}
	case contracts.StepHold:
		return HoldPlaced{StepCommitted: c, Amount: amount}
	case contracts.StepSubmit:
		return Submitting{c}
	case contracts.StepSettle:
		return Settled{StepCommitted: c, Fee: amount}
	case contracts.StepReleaseHold:
		return HoldReleased{StepCommitted: c, Released: amount}
	default:
		return Reconciled{c}
	}
}
