package provider

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chainfund/settlement/internal/models"
)

// zeroDecimal lists currencies whose smallest unit is the major unit.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// ToMinorUnits converts a decimal amount into the integer the gateways expect.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp := int32(2)
	if zeroDecimal[strings.ToUpper(currency)] {
		exp = 0
	}
	minor := amount.Shift(exp)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s %s has more precision than the currency allows", models.ErrInvalidInput, amount, currency)
	}
	if !minor.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", models.ErrInvalidInput)
	}
	return minor.IntPart(), nil
}
