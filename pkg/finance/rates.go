package finance

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RateTable converts amounts to USD. Keys are ISO 4217 codes, values are the
// USD value of one unit.
type RateTable map[string]decimal.Decimal

// DefaultRates only knows USD.
func DefaultRates() RateTable {
	return RateTable{"USD": decimal.NewFromInt(1)}
}

// ErrNoRate is returned when a currency has no configured rate.
type ErrNoRate struct {
	Currency string
}

func (e *ErrNoRate) Error() string {
	return fmt.Sprintf("no USD rate configured for %s", e.Currency)
}

// ToUSD converts amount in code to USD.
func (t RateTable) ToUSD(amount decimal.Decimal, code string) (decimal.Decimal, error) {
	rate, ok := t[strings.ToUpper(code)]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, &ErrNoRate{Currency: code}
	}
	return amount.Mul(rate), nil
}
