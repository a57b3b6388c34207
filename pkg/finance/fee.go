package finance

import "github.com/shopspring/decimal"

// FeeSchedule is a fixed fee plus a percentage, clamped to [Min, Max].
// A zero Max means no cap.
type FeeSchedule struct {
	Fixed   decimal.Decimal `json:"fixed" yaml:"fixed"`
	Percent decimal.Decimal `json:"percent" yaml:"percent"` // fraction, 0.001 = 0.1%
	Min     decimal.Decimal `json:"min" yaml:"min"`
	Max     decimal.Decimal `json:"max" yaml:"max"`
}

// Compute returns the fee for amount in its currency, rounded to the minor
// unit.
func (f FeeSchedule) Compute(amount Money) Money {
	fee := f.Fixed.Add(amount.Amount.Mul(f.Percent))
	if fee.LessThan(f.Min) {
		fee = f.Min
	}
	if f.Max.IsPositive() && fee.GreaterThan(f.Max) {
		fee = f.Max
	}
	return Money{Amount: fee, Currency: amount.Currency}.Round()
}

// Ceiling is the most the schedule can ever charge. Used to size holds.
// Uncapped schedules return Compute(amount).
func (f FeeSchedule) Ceiling(amount Money) Money {
	if f.Max.IsPositive() {
		return Money{Amount: f.Max, Currency: amount.Currency}.Round()
	}
	return f.Compute(amount)
}
