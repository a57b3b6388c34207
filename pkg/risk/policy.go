package risk

import "fmt"

// Rule adds Weight to the score when Expr evaluates to true. Expressions see
// amount, amount_usd (double), currency, counterparty (case-folded),
// agent_id, consent_id and ctx (map of string to string).
type Rule struct {
	Name   string  `yaml:"name" mapstructure:"name" json:"name"`
	Expr   string  `yaml:"expr" mapstructure:"expr" json:"expr"`
	Weight float64 `yaml:"weight" mapstructure:"weight" json:"weight"`
}

// Thresholds map a score to a verdict: approve below ApproveBelow, reject
// above RejectAbove, review in between.
type Thresholds struct {
	ApproveBelow float64 `yaml:"approve_below" mapstructure:"approve_below" json:"approve_below"`
	RejectAbove  float64 `yaml:"reject_above" mapstructure:"reject_above" json:"reject_above"`
}

// Policy is the full scoring configuration.
type Policy struct {
	BaseScore  float64    `yaml:"base_score" mapstructure:"base_score" json:"base_score"`
	Thresholds Thresholds `yaml:"thresholds" mapstructure:"thresholds" json:"thresholds"`
	Rules      []Rule     `yaml:"rules" mapstructure:"rules" json:"rules"`
}

// DefaultPolicy mirrors the legacy amount and counterparty heuristics.
// Amount bands are exclusive so at most one applies.
func DefaultPolicy() Policy {
	return Policy{
		Thresholds: Thresholds{ApproveBelow: 0.56, RejectAbove: 0.7},
		Rules: []Rule{
			{Name: "very_high_amount", Expr: `amount_usd > 25000.0`, Weight: 0.4},
			{Name: "high_amount", Expr: `amount_usd > 10000.0 && amount_usd <= 25000.0`, Weight: 0.3},
			{Name: "medium_amount", Expr: `amount_usd > 1000.0 && amount_usd <= 10000.0`, Weight: 0.15},
			{
				Name:   "suspicious_counterparty",
				Expr:   `counterparty.contains("suspicious") || counterparty.contains("unknown") || size(counterparty) < 3`,
				Weight: 0.25,
			},
			{
				Name: "unverified_counterparty",
				Expr: `!(counterparty.contains("suspicious") || counterparty.contains("unknown") || size(counterparty) < 3) &&
					(counterparty.contains("new") || counterparty.contains("unverified"))`,
				Weight: 0.1,
			},
			{Name: "wire_transfer", Expr: `"rail" in ctx && ctx["rail"] == "wire"`, Weight: 0.2},
			{Name: "card_payment", Expr: `"rail" in ctx && ctx["rail"] == "card"`, Weight: 0.05},
		},
	}
}

// Validate checks thresholds and rule names.
func (p Policy) Validate() error {
	t := p.Thresholds
	if t.ApproveBelow < 0 || t.RejectAbove > 1 || t.ApproveBelow > t.RejectAbove {
		return fmt.Errorf("invalid thresholds: approve_below=%v reject_above=%v", t.ApproveBelow, t.RejectAbove)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
