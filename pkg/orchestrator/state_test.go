package orchestrator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusRiskScoring, true},
		{StatusCreated, StatusConsentChecking, false},
		{StatusRiskScoring, StatusRiskRejected, true},
		{StatusConsentChecking, StatusConsentRequiresCosign, true},
		{StatusConsentRequiresCosign, StatusConsentAuthorized, true},
		{StatusConsentRequiresCosign, StatusRouted, false},
		{StatusHoldPlaced, StatusSettled, false},
		{StatusReconciled, StatusCompleted, true},
		{StatusSubmitting, StatusFailed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusFailed, false},
		{StatusConsentDenied, StatusConsentAuthorized, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestEveryNonTerminalStateReachesFailed(t *testing.T) {
	for from := range transitions {
		assert.True(t, canTransition(from, StatusFailed), from)
	}
}

func TestStepState(t *testing.T) {
	ten := decimal.NewFromInt(10)
	for _, step := range contracts.PlanSteps() {
		s := stepState(StepCommitted{Step: step}, ten)
		assert.False(t, s.Status().Terminal())
		assert.False(t, suspended(s))
	}
	assert.Equal(t, StatusHoldPlaced, stepState(StepCommitted{Step: contracts.StepHold}, ten).Status())
	assert.Equal(t, StatusReconciled, stepState(StepCommitted{Step: contracts.StepReconcile}, ten).Status())
}

func TestSuspended(t *testing.T) {
	assert.True(t, suspended(RiskScoring{PendingReview: true}))
	assert.False(t, suspended(RiskScoring{}))
	assert.True(t, suspended(ConsentRequiresCosign{}))
	assert.False(t, suspended(Completed{}))
}
