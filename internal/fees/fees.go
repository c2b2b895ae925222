// Package fees computes the platform commission split for a gross amount.
package fees

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/taras-bel/freelance/backend/internal/models"
)

// MaxAmount is the largest amount the ledger can store (NUMERIC(14,2)).
var MaxAmount = decimal.RequireFromString("999999999999.99")

// DefaultRate is the platform commission applied when none is configured.
var DefaultRate = decimal.RequireFromString("0.05")

// Split is the result of applying the commission rate to a gross amount.
// Commission + Net == Gross always holds.
type Split struct {
	Gross      decimal.Decimal `json:"gross"`
	Commission decimal.Decimal `json:"commission"`
	Net        decimal.Decimal `json:"net"`
	TotalFees  decimal.Decimal `json:"total_fees"`
}

func (s Split) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Gross      string `json:"gross"`
		Commission string `json:"commission"`
		Net        string `json:"net"`
		TotalFees  string `json:"total_fees"`
	}{models.FormatMoney(s.Gross), models.FormatMoney(s.Commission), models.FormatMoney(s.Net), models.FormatMoney(s.TotalFees)})
}

// Calculator applies a single commission rate with round-half-even to a fixed
// number of minor-unit places.
type Calculator struct {
	rate   decimal.Decimal
	places int32
}

// New returns a Calculator for rate in [0, 1) rounding to places fractional digits.
func New(rate decimal.Decimal, places int32) (*Calculator, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: fee rate %s outside [0, 1)", models.ErrValidation, rate)
	}
	if places < 0 {
		return nil, fmt.Errorf("%w: negative currency places %d", models.ErrValidation, places)
	}
	return &Calculator{rate: rate, places: places}, nil
}

// Rate returns the configured commission rate.
func (c *Calculator) Rate() decimal.Decimal { return c.rate }

// Places returns the number of minor-unit places amounts are rounded to.
func (c *Calculator) Places() int32 { return c.places }

// Validate checks that amount is positive, at most MaxAmount and representable
// in minor units.
func (c *Calculator) Validate(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", models.ErrValidation)
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: amount %s exceeds the maximum of %s", models.ErrValidation, amount, MaxAmount.StringFixed(2))
	}
	if !amount.Equal(amount.Truncate(c.places)) {
		return fmt.Errorf("%w: amount %s has more than %d decimal places", models.ErrValidation, amount, c.places)
	}
	return nil
}

// Calculate splits gross into commission and net.
func (c *Calculator) Calculate(gross decimal.Decimal) (Split, error) {
	if err := c.Validate(gross); err != nil {
		return Split{}, err
	}
	commission := c.Round(gross.Mul(c.rate))
	return Split{
		Gross:      gross,
		Commission: commission,
		Net:        gross.Sub(commission),
		TotalFees:  commission,
	}, nil
}

// Half returns amount/2 rounded with the same rule as the commission.
func (c *Calculator) Half(amount decimal.Decimal) decimal.Decimal {
	return c.Round(amount.Div(decimal.NewFromInt(2)))
}

// Round applies round-half-even at the configured places.
func (c *Calculator) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(c.places)
}
