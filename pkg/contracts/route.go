package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanStep names one stage of rail execution.
type PlanStep string

const (
	StepAuthorize   PlanStep = "authorize"
	StepHold        PlanStep = "hold"
	StepSubmit      PlanStep = "submit"
	StepSettle      PlanStep = "settle"
	StepReleaseHold PlanStep = "release_hold"
	StepReconcile   PlanStep = "reconcile"
)

// PlanSteps returns the fixed execution sequence.
func PlanSteps() []PlanStep {
	return []PlanStep{StepAuthorize, StepHold, StepSubmit, StepSettle, StepReleaseHold, StepReconcile}
}

// RoutePlan binds a rail to the fixed step sequence.
type RoutePlan struct {
	Rail             string          `json:"rail"`
	Steps            []PlanStep      `json:"steps"`
	EstimatedFee     decimal.Decimal `json:"estimated_fee"`
	FeeReserve       decimal.Decimal `json:"fee_reserve"`
	SettlementWindow time.Duration   `json:"settlement_window"`
	Reversible       bool            `json:"reversible"`
}
