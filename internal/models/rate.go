package models

import "github.com/shopspring/decimal"

// ExchangeRate is the price of one unit of the base currency in Currency.
type ExchangeRate struct {
	// Currency is the ISO 4217 code, upper case.
	Currency string `json:"currency"`
	// Rate is how many Currency units buy one base unit.
	Rate decimal.Decimal `json:"rate"`
	// UpdatedAt is the unix timestamp of the fetch that produced the rate.
	UpdatedAt int64 `json:"updated_at"`
}
