package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
)

// Band maps an amount range in one currency to a rail. Min is inclusive;
// Max is exclusive unless MaxInclusive is set. A zero Max is unbounded.
// Counterparties, when set, restricts the band to those counterparties.
type Band struct {
	Rail           string          `yaml:"rail" json:"rail"`
	Currency       string          `yaml:"currency" json:"currency"`
	Min            decimal.Decimal `yaml:"min" json:"min"`
	Max            decimal.Decimal `yaml:"max" json:"max"`
	MaxInclusive   bool            `yaml:"max_inclusive" json:"max_inclusive"`
	Counterparties []string        `yaml:"counterparties" json:"counterparties,omitempty"`
}

func (b Band) matches(amount decimal.Decimal, currency, counterparty string) bool {
	if !strings.EqualFold(b.Currency, currency) {
		return false
	}
	if amount.LessThan(b.Min) {
		return false
	}
	if !b.Max.IsZero() {
		if b.MaxInclusive && amount.GreaterThan(b.Max) {
			return false
		}
		if !b.MaxInclusive && amount.GreaterThanOrEqual(b.Max) {
			return false
		}
	}
	if len(b.Counterparties) == 0 {
		return true
	}
	for _, cp := range b.Counterparties {
		if strings.EqualFold(strings.TrimSpace(cp), strings.TrimSpace(counterparty)) {
			return true
		}
	}
	return false
}

// Rail describes one settlement network.
type Rail struct {
	ID               string              `yaml:"id" json:"id"`
	Currencies       []string            `yaml:"currencies" json:"currencies"`
	MinAmount        decimal.Decimal     `yaml:"min_amount" json:"min_amount"`
	MaxAmount        decimal.Decimal     `yaml:"max_amount" json:"max_amount"`
	Fee              finance.FeeSchedule `yaml:"fee" json:"fee"`
	SettlementWindow time.Duration       `yaml:"settlement_window" json:"settlement_window"`
	Reversible       bool                `yaml:"reversible" json:"reversible"`
}

func (r Rail) supports(amount decimal.Decimal, currency string) bool {
	ok := false
	for _, c := range r.Currencies {
		if strings.EqualFold(c, currency) {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if amount.LessThan(r.MinAmount) {
		return false
	}
	return r.MaxAmount.IsZero() || !amount.GreaterThan(r.MaxAmount)
}

// Policy is the router configuration. Bands are evaluated in order.
type Policy struct {
	Bands []Band `yaml:"bands" json:"bands"`
	Rails []Rail `yaml:"rails" json:"rails"`
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// DefaultPolicy routes USD below 5000 to ach and up to 10M to wire.
func DefaultPolicy() Policy {
	usd := []string{"USD"}
	return Policy{
		Bands: []Band{
			{Rail: "ach", Currency: "USD", Min: d("0"), Max: d("5000")},
			{Rail: "wire", Currency: "USD", Min: d("5000"), Max: d("10000000"), MaxInclusive: true},
		},
		Rails: []Rail{
			{
				ID: "ach", Currencies: usd, MinAmount: d("0.01"), MaxAmount: d("100000"),
				Fee:              finance.FeeSchedule{Fixed: d("0.50"), Percent: d("0.001"), Min: d("0.50"), Max: d("10")},
				SettlementWindow: 24 * time.Hour, Reversible: true,
			},
			{
				ID: "card", Currencies: usd, MinAmount: d("0.50"), MaxAmount: d("10000"),
				Fee:              finance.FeeSchedule{Fixed: d("0.30"), Percent: d("0.029"), Min: d("0.30"), Max: d("50")},
				SettlementWindow: 48 * time.Hour, Reversible: true,
			},
			{
				ID: "wire", Currencies: usd, MinAmount: d("1"), MaxAmount: d("10000000"),
				Fee:              finance.FeeSchedule{Fixed: d("25"), Percent: d("0.001"), Min: d("25"), Max: d("100")},
				SettlementWindow: 4 * time.Hour, Reversible: false,
			},
			{
				ID: "check", Currencies: usd, MinAmount: d("1"), MaxAmount: d("100000"),
				Fee:              finance.FeeSchedule{Fixed: d("1"), Percent: d("0.005"), Min: d("1"), Max: d("25")},
				SettlementWindow: 120 * time.Hour, Reversible: true,
			},
		},
	}
}

// Validate checks that every band names a catalogued rail and has a sane range.
func (p Policy) Validate() error {
	rails := make(map[string]bool, len(p.Rails))
	for _, r := range p.Rails {
		if r.ID == "" {
			return fmt.Errorf("rail without id")
		}
		if rails[r.ID] {
			return fmt.Errorf("duplicate rail %q", r.ID)
		}
		if _, err := finance.ParseCurrency(firstOr(r.Currencies, "")); err != nil {
			return fmt.Errorf("rail %q: %w", r.ID, err)
		}
		rails[r.ID] = true
	}
	for i, b := range p.Bands {
		if !rails[b.Rail] {
			return fmt.Errorf("band %d routes to unknown rail %q", i, b.Rail)
		}
		if _, err := finance.ParseCurrency(b.Currency); err != nil {
			return fmt.Errorf("band %d: %w", i, err)
		}
		if b.Min.IsNegative() || (!b.Max.IsZero() && b.Max.LessThan(b.Min)) {
			return fmt.Errorf("band %d has invalid range [%s, %s]", i, b.Min, b.Max)
		}
	}
	return nil
}

func firstOr(s []string, def string) string {
	if len(s) == 0 {
		return def
	}
	return s[0]
}
