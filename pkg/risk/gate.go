// Package risk scores proposed transactions and maps the score to an
// approve, review or reject verdict.
//
// Scoring is deterministic: the score is the base plus the weights of every
// matching CEL rule, clamped to [0, 1]. The gate never mutates anything.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
)

const maxReasonFactors = 3

// Input is one scoring request.
type Input struct {
	AgentID      string
	ConsentID    string
	Amount       decimal.Decimal
	Currency     string
	Counterparty string
	Context      map[string]string
}

// Gate scores transactions.
type Gate interface {
	Score(ctx context.Context, in Input) (contracts.RiskDecision, error)
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// CELGate is a Gate driven by CEL rules.
type CELGate struct {
	env    *cel.Env
	rates  finance.RateTable
	logger *slog.Logger

	mu       sync.RWMutex
	policy   Policy
	rules    []compiledRule
	prgCache map[string]cel.Program
}

// NewCELGate compiles policy. Rates convert amounts for amount_usd; a
// currency without a rate is scored at face value.
func NewCELGate(policy Policy, rates finance.RateTable) (*CELGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("amount_usd", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("counterparty", cel.StringType),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("consent_id", cel.StringType),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if rates == nil {
		rates = finance.DefaultRates()
	}
	g := &CELGate{
		env:      env,
		rates:    rates,
		logger:   slog.Default().With("component", "risk"),
		prgCache: make(map[string]cel.Program),
	}
	if err := g.SetPolicy(policy); err != nil {
		return nil, err
	}
	return g, nil
}

// WithLogger overrides the logger.
func (g *CELGate) WithLogger(logger *slog.Logger) *CELGate {
	g.logger = logger.With("component", "risk")
	return g
}

// SetPolicy validates and swaps in a new policy. The previous policy stays
// active when the new one fails to compile.
func (g *CELGate) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	rules := make([]compiledRule, 0, len(policy.Rules))
	for _, r := range policy.Rules {
		prg, err := g.program(r.Expr)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		rules = append(rules, compiledRule{Rule: r, prg: prg})
	}

	g.mu.Lock()
	g.policy = policy
	g.rules = rules
	g.mu.Unlock()
	return nil
}

// Policy returns the active policy.
func (g *CELGate) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

func (g *CELGate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: expression yields %s, want bool", ast.OutputType())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.prgCache[expr] = prg
	return prg, nil
}

// Score evaluates every rule against in.
func (g *CELGate) Score(ctx context.Context, in Input) (contracts.RiskDecision, error) {
	g.mu.RLock()
	policy := g.policy
	rules := g.rules
	g.mu.RUnlock()

	amountUSD, err := g.rates.ToUSD(in.Amount, in.Currency)
	if err != nil {
		amountUSD = in.Amount
	}
	vars := map[string]any{
		"amount":       in.Amount.InexactFloat64(),
		"amount_usd":   amountUSD.InexactFloat64(),
		"currency":     strings.ToUpper(in.Currency),
		"counterparty": strings.ToLower(strings.TrimSpace(in.Counterparty)),
		"agent_id":     in.AgentID,
		"consent_id":   in.ConsentID,
		"ctx":          contextVars(in.Context),
	}

	// Weights are summed as decimals so the score does not depend on rule order.
	total := decimal.NewFromFloat(policy.BaseScore)
	var matched []compiledRule
	for _, r := range rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			return contracts.RiskDecision{}, fmt.Errorf("rule %q: eval: %w", r.Name, err)
		}
		hit, ok := out.Value().(bool)
		if !ok {
			return contracts.RiskDecision{}, fmt.Errorf("rule %q: result not bool", r.Name)
		}
		if hit {
			total = total.Add(decimal.NewFromFloat(r.Weight))
			matched = append(matched, r)
		}
	}
	score := clamp(total).InexactFloat64()

	decision := contracts.RiskDecision{
		Score:    score,
		Decision: verdict(score, policy.Thresholds),
		Factors:  make([]string, 0, len(matched)),
	}
	for _, r := range matched {
		decision.Factors = append(decision.Factors, r.Name)
	}
	decision.Reason = reason(decision.Decision, score, matched)

	g.logger.DebugContext(ctx, "risk scored",
		"agent_id", in.AgentID, "consent_id", in.ConsentID,
		"score", score, "decision", decision.Decision, "factors", decision.Factors)
	return decision, nil
}

func verdict(score float64, t Thresholds) contracts.Verdict {
	switch {
	case score < t.ApproveBelow:
		return contracts.VerdictApprove
	case score > t.RejectAbove:
		return contracts.VerdictReject
	default:
		return contracts.VerdictReview
	}
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if one := decimal.NewFromInt(1); d.GreaterThan(one) {
		return one
	}
	return d
}

func reason(v contracts.Verdict, score float64, matched []compiledRule) string {
	var prefix string
	switch v {
	case contracts.VerdictApprove:
		prefix = "low risk"
	case contracts.VerdictReview:
		prefix = "manual review required"
	default:
		prefix = "risk score exceeds threshold"
	}
	if len(matched) == 0 {
		return fmt.Sprintf("%s (score %.2f)", prefix, score)
	}

	top := append([]compiledRule(nil), matched...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Weight > top[j].Weight })
	if len(top) > maxReasonFactors {
		top = top[:maxReasonFactors]
	}
	names := make([]string, len(top))
	for i, r := range top {
		names[i] = r.Name
	}
	return fmt.Sprintf("%s (score %.2f): %s", prefix, score, strings.Join(names, ", "))
}

func contextVars(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
