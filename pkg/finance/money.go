// Package finance holds money arithmetic shared by the payment core: ISO 4217
// validation, minor-unit rounding, fee schedules and USD conversion.
package finance

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Money is a decimal amount in one currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"` // ISO 4217 code
}

// NewMoney validates currency and returns the amount in canonical form.
func NewMoney(amount decimal.Decimal, code string) (Money, error) {
	unit, err := ParseCurrency(code)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: amount, Currency: unit.String()}, nil
}

// ParseCurrency validates an ISO 4217 code.
func ParseCurrency(code string) (currency.Unit, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return currency.Unit{}, fmt.Errorf("invalid currency %q: %w", code, err)
	}
	return unit, nil
}

// Scale returns the number of minor-unit digits for a currency (2 for USD,
// 0 for JPY). Unknown codes fall back to 2.
func Scale(code string) int32 {
	unit, err := ParseCurrency(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale) //nolint:gosec // ISO scales are single digit
}

// Round rounds m to its currency's minor unit.
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(Scale(m.Currency)), Currency: m.Currency}
}

// Add sums two amounts of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub subtracts other from m. Both must share a currency.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

func (m Money) String() string {
	return m.Amount.StringFixed(Scale(m.Currency)) + " " + m.Currency
}
