// Package rails defines the contract between the payment core and the
// settlement networks it drives, plus a simulated network and a resilient
// wrapper that adds circuit breaking, pacing and retries.
package rails

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

// Submission is one plan step sent to a rail. IdempotencyKey is stable
// across retries of the same step.
type Submission struct {
	WorkflowID     string             `json:"workflow_id"`
	Rail           string             `json:"rail"`
	Step           contracts.PlanStep `json:"step"`
	Amount         decimal.Decimal    `json:"amount"`
	Currency       string             `json:"currency"`
	Counterparty   string             `json:"counterparty"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// Ack is a rail's acknowledgment. Fee is set when the rail reports the
// actual fee charged, normally on settle.
type Ack struct {
	Reference string           `json:"reference"`
	Fee       *decimal.Decimal `json:"fee,omitempty"`
	At        time.Time        `json:"at"`
}

// Adapter submits plan steps to a rail. Errors should be built with
// Transient or Permanent so callers can tell them apart.
type Adapter interface {
	Submit(ctx context.Context, sub Submission) (Ack, error)
}

var (
	// ErrTransient matches every transient rail error.
	ErrTransient = errorir.New(errorir.CodeRailTransient, "", "")
	// ErrPermanent matches every permanent rail error.
	ErrPermanent = errorir.New(errorir.CodeRailPermanent, "", "")
)

// Transient builds a retryable rail error.
func Transient(reason, format string, args ...any) error {
	return errorir.Newf(errorir.CodeRailTransient, reason, format, args...)
}

// Permanent builds a non-retryable rail error.
func Permanent(reason, format string, args ...any) error {
	return errorir.Newf(errorir.CodeRailPermanent, reason, format, args...)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// FromContext converts a context error into the rail taxonomy: deadlines
// become Timeout and cancellation becomes Cancelled.
func FromContext(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errorir.Wrap(err, errorir.CodeTimeout, "rail_timeout", "rail did not acknowledge in time")
	case errors.Is(err, context.Canceled):
		cause := context.Cause(ctx)
		if cause == nil {
			cause = err
		}
		return errorir.Wrap(cause, errorir.CodeCancelled, "cancelled", "rail call cancelled")
	}
	return err
}
