package rails

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
)

var referenceNamespace = uuid.MustParse("6f1c5a52-7d0e-4c3b-9a57-3c1f0d6b8e21")

type scriptKey struct {
	rail string
	step contracts.PlanStep
}

// Simulator is an in-memory Adapter. It acknowledges every submission
// unless failures were scripted for the rail and step.
type Simulator struct {
	mu      sync.Mutex
	script  map[scriptKey][]error
	fees    map[string]decimal.Decimal
	latency time.Duration
	calls   []Submission
	clock   func() time.Time
}

// NewSimulator creates a Simulator that always succeeds.
func NewSimulator() *Simulator {
	return &Simulator{
		script: make(map[scriptKey][]error),
		fees:   make(map[string]decimal.Decimal),
		clock:  time.Now,
	}
}

// FailNext queues errors returned, in order, by the next calls for rail and step.
func (s *Simulator) FailNext(rail string, step contracts.PlanStep, errs ...error) *Simulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scriptKey{rail, step}
	s.script[k] = append(s.script[k], errs...)
	return s
}

// SetSettlementFee makes settle acks for rail report fee.
func (s *Simulator) SetSettlementFee(rail string, fee decimal.Decimal) *Simulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees[rail] = fee
	return s
}

// SetLatency delays every acknowledgment by d, honouring ctx.
func (s *Simulator) SetLatency(d time.Duration) *Simulator {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
	return s
}

// Calls returns every submission received, including failed ones.
func (s *Simulator) Calls() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.calls...)
}

func (s *Simulator) Submit(ctx context.Context, sub Submission) (Ack, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sub)
	latency := s.latency
	k := scriptKey{sub.Rail, sub.Step}
	var scripted error
	if q := s.script[k]; len(q) > 0 {
		scripted, s.script[k] = q[0], q[1:]
	}
	fee, hasFee := s.fees[sub.Rail]
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Ack{}, FromContext(ctx, ctx.Err())
		case <-t.C:
		}
	}
	if scripted != nil {
		return Ack{}, scripted
	}

	ack := Ack{
		Reference: fmt.Sprintf("%s_%s", sub.Rail, uuid.NewSHA1(referenceNamespace, []byte(sub.IdempotencyKey))),
		At:        s.clock().UTC(),
	}
	if hasFee && sub.Step == contracts.StepSettle {
		ack.Fee = &fee
	}
	return ack, nil
}
