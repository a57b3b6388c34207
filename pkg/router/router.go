// Package router selects a settlement rail for an approved transaction and
// parameterizes the fixed execution plan for it.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
)

// ErrNoEligibleRail is returned when no band, rail and eligibility set agree.
var ErrNoEligibleRail = errorir.New(errorir.CodeNoEligibleRail, "no_eligible_rail", "")

// Request is one routing query. An empty Eligible set allows every rail.
type Request struct {
	Amount       decimal.Decimal
	Currency     string
	Counterparty string
	Eligible     []string
}

// Router picks rails from an ordered band list.
type Router struct {
	logger *slog.Logger

	mu     sync.RWMutex
	policy Policy
	rails  map[string]Rail
}

// New creates a router for policy.
func New(policy Policy) (*Router, error) {
	r := &Router{logger: slog.Default().With("component", "router")}
	if err := r.SetPolicy(policy); err != nil {
		return nil, err
	}
	return r, nil
}

// WithLogger overrides the logger.
func (r *Router) WithLogger(logger *slog.Logger) *Router {
	r.logger = logger.With("component", "router")
	return r
}

// SetPolicy validates and installs a new policy.
func (r *Router) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return errorir.Wrap(err, errorir.CodeInvalidRequest, "invalid_router_policy", "")
	}
	rails := make(map[string]Rail, len(policy.Rails))
	for _, rail := range policy.Rails {
		rails[rail.ID] = rail
	}
	r.mu.Lock()
	r.policy = policy
	r.rails = rails
	r.mu.Unlock()
	return nil
}

// Rail returns the catalog entry for id.
func (r *Router) Rail(id string) (Rail, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rail, ok := r.rails[id]
	return rail, ok
}

// Plan returns the plan of the first band that matches req and whose rail
// is eligible and accepts the amount.
func (r *Router) Plan(ctx context.Context, req Request) (contracts.RoutePlan, error) {
	r.mu.RLock()
	bands := r.policy.Bands
	rails := r.rails
	r.mu.RUnlock()

	eligible := make(map[string]bool, len(req.Eligible))
	for _, e := range req.Eligible {
		eligible[strings.ToLower(strings.TrimSpace(e))] = true
	}

	for _, b := range bands {
		if len(eligible) > 0 && !eligible[b.Rail] {
			continue
		}
		if !b.matches(req.Amount, req.Currency, req.Counterparty) {
			continue
		}
		rail := rails[b.Rail]
		if !rail.supports(req.Amount, req.Currency) {
			continue
		}
		return planFor(rail, req), nil
	}

	r.logger.InfoContext(ctx, "no eligible rail",
		"amount", req.Amount.String(), "currency", req.Currency, "eligible", req.Eligible)
	return contracts.RoutePlan{}, ErrNoEligibleRail.WithDetail("%s %s to %q with rails %v",
		req.Amount, req.Currency, req.Counterparty, req.Eligible)
}

func planFor(rail Rail, req Request) contracts.RoutePlan {
	amount := finance.Money{Amount: req.Amount, Currency: req.Currency}
	return contracts.RoutePlan{
		Rail:             rail.ID,
		Steps:            contracts.PlanSteps(),
		EstimatedFee:     rail.Fee.Compute(amount).Amount,
		FeeReserve:       rail.Fee.Ceiling(amount).Amount,
		SettlementWindow: rail.SettlementWindow,
		Reversible:       rail.Reversible,
	}
}
