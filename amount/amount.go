// Package amount converts between human-readable decimal token amounts and
// the atomic integer units used on the wire. The stablecoin in use carries
// six decimal places; conversions truncate rather than round so a client can
// never authorize more than the caller asked for.
package amount

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of decimal places of the settlement asset (USDC).
const Decimals = 6

var atomicScale = decimal.New(1, Decimals)

// DecimalToAtomic converts a decimal amount string (e.g. "1.50") into atomic
// units ("1500000"). Digits beyond six decimal places are truncated, never
// rounded. Negative and non-numeric inputs are rejected.
func DecimalToAtomic(s string) (string, error) {
	d, err := parse(s)
	if err != nil {
		return "", err
	}
	return d.Mul(atomicScale).Truncate(0).String(), nil
}

// AtomicToDecimal converts an atomic integer amount string ("1500000") into
// its decimal representation ("1.5"). Trailing zeros are trimmed.
func AtomicToDecimal(s string) (string, error) {
	d, err := parse(s)
	if err != nil {
		return "", err
	}
	if !d.Equal(d.Truncate(0)) {
		return "", fmt.Errorf("atomic amount must be an integer: %s", s)
	}
	return d.Div(atomicScale).String(), nil
}

// FormatUSDC renders an atomic amount for human display, e.g. "1 USDC".
// Invalid input falls back to the raw string so display paths never fail.
func FormatUSDC(atomic string) string {
	dec, err := AtomicToDecimal(atomic)
	if err != nil {
		return atomic + " atomic"
	}
	return dec + " USDC"
}

func parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative amount %q", s)
	}
	return d, nil
}
