package payments

import (
	"fmt"
	"strings"
)

// MinorUnits converts a decimal amount string into minor units for a currency
// with the given exponent, rounding half to even. The amount is parsed exactly
// as a decimal string, so values like "499.995" round correctly.
func MinorUnits(amount string, exponent int) (int64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" || exponent < 0 || exponent > 9 {
		return 0, ErrInvalidAmount
	}

	intPart := amount
	fracPart := ""
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		intPart, fracPart = amount[:i], amount[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return 0, ErrInvalidAmount
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}
	for _, r := range fracPart {
		if r < '0' || r > '9' {
			return 0, ErrInvalidAmount
		}
	}

	var minor int64
	for _, r := range intPart {
		d := int64(r - '0')
		if minor > (1<<62)/10 {
			return 0, fmt.Errorf("%w: amount out of range", ErrInvalidAmount)
		}
		minor = minor*10 + d
	}

	kept := fracPart
	rest := ""
	if len(fracPart) > exponent {
		kept, rest = fracPart[:exponent], fracPart[exponent:]
	}
	for len(kept) < exponent {
		kept += "0"
	}
	for _, r := range kept {
		minor = minor*10 + int64(r-'0')
	}

	// Round half to even on the discarded digits.
	if rest != "" {
		first := rest[0]
		tail := strings.TrimRight(rest[1:], "0")
		switch {
		case first > '5', first == '5' && tail != "":
			minor++
		case first == '5' && minor%2 == 1:
			minor++
		}
	}

	if minor <= 0 {
		return 0, ErrInvalidAmount
	}
	return minor, nil
}
