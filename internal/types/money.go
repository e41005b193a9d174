// README: Common money value object used across modules.
package types

import (
	"fmt"
	"math"
)

// DefaultCurrency is the single settlement currency of the engine.
const DefaultCurrency = "USD"

// Money is a fixed-point currency amount in minor units (cents).
type Money struct {
	Amount   int64
	Currency string
}

// Cents builds a Money from an amount already expressed in minor units.
func Cents(amount int64) Money {
	return Money{Amount: amount, Currency: DefaultCurrency}
}

// FromFloat converts a major-unit float amount to Money, rounding half-up
// to the nearest cent. Conversion happens only at output boundaries;
// intermediate arithmetic stays in float64.
func FromFloat(amount float64) Money {
	return Cents(roundHalfUpCents(amount))
}

func (m Money) Add(o Money) Money { return Money{Amount: m.Amount + o.Amount, Currency: m.Currency} }
func (m Money) Sub(o Money) Money { return Money{Amount: m.Amount - o.Amount, Currency: m.Currency} }
func (m Money) IsZero() bool      { return m.Amount == 0 }
func (m Money) IsNegative() bool  { return m.Amount < 0 }
func (m Money) Float() float64    { return float64(m.Amount) / 100 }

func (m Money) String() string {
	return fmt.Sprintf("%s %d.%02d", m.Currency, m.Amount/100, abs64(m.Amount%100))
}

func roundHalfUpCents(major float64) int64 {
	return int64(math.Floor(major*100 + 0.5))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
