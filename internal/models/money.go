package models

import "github.com/shopspring/decimal"

// MoneyScale is the number of fractional digits money columns store and the
// API renders.
const MoneyScale = 2

// FormatMoney renders d with exactly MoneyScale fractional digits, so 1000
// is "1000.00" and 47.5 is "47.50".
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}
