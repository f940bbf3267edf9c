package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// maxAmount caps a single donation or payout in major units.
var maxAmount = decimal.New(1, 9)

// ValidateCurrency validates an ISO 4217 alphabetic code
func ValidateCurrency(code string) error {
	if code == "" {
		return fmt.Errorf("currency cannot be empty")
	}
	if len(code) != 3 {
		return fmt.Errorf("invalid currency length: expected 3 letters, got %d", len(code))
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return fmt.Errorf("invalid currency code %q", code)
		}
	}
	return nil
}

// NormalizeCurrency converts a currency code to upper case
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateAndNormalizeCurrency validates a currency and returns its normalized form
func ValidateAndNormalizeCurrency(code string) (string, error) {
	code = NormalizeCurrency(code)
	if err := ValidateCurrency(code); err != nil {
		return "", err
	}
	return code, nil
}

// ValidateAmount checks that amount is positive, below the cap and has at most two decimals
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	if amount.GreaterThan(maxAmount) {
		return fmt.Errorf("amount %s exceeds the maximum of %s", amount, maxAmount)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("amount %s has more than two decimal places", amount)
	}
	return nil
}

// ValidateRate checks a fraction in [0, 1)
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("rate must be in [0, 1), got %s", rate)
	}
	return nil
}
