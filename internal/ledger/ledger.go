// Package ledger implements exact base-10 arithmetic over credit amounts
// represented as decimal strings. Amounts are handled with fixed two-decimal
// semantics; binary floating point is never involved, so "0.10" + "0.20" is
// exactly "0.30".
package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every formatted amount.
const Scale = 2

// FormatError indicates an input string is not a valid decimal amount.
type FormatError struct {
	Input string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("ledger: malformed decimal amount %q", e.Input)
}

func parse(input string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return decimal.Decimal{}, &FormatError{Input: input}
	}

	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, &FormatError{Input: input}
	}

	return value, nil
}

// Add returns a+b formatted to two decimal places.
func Add(a, b string) (string, error) {
	left, err := parse(a)
	if err != nil {
		return "", err
	}
	right, err := parse(b)
	if err != nil {
		return "", err
	}

	return left.Add(right).StringFixed(Scale), nil
}

// Subtract returns a-b formatted to two decimal places. Negative results are
// representable and carry a leading minus sign.
func Subtract(a, b string) (string, error) {
	left, err := parse(a)
	if err != nil {
		return "", err
	}
	right, err := parse(b)
	if err != nil {
		return "", err
	}

	return left.Sub(right).StringFixed(Scale), nil
}

// Compare returns -1, 0 or 1 when a is less than, equal to or greater than b.
func Compare(a, b string) (int, error) {
	left, err := parse(a)
	if err != nil {
		return 0, err
	}
	right, err := parse(b)
	if err != nil {
		return 0, err
	}

	return left.Cmp(right), nil
}

// IsPositive reports whether a is strictly greater than zero.
func IsPositive(a string) (bool, error) {
	value, err := parse(a)
	if err != nil {
		return false, err
	}
	return value.IsPositive(), nil
}

// IsNegative reports whether a is strictly less than zero.
func IsNegative(a string) (bool, error) {
	value, err := parse(a)
	if err != nil {
		return false, err
	}
	return value.IsNegative(), nil
}

// IsZero reports whether a equals zero.
func IsZero(a string) (bool, error) {
	value, err := parse(a)
	if err != nil {
		return false, err
	}
	return value.IsZero(), nil
}

// Format normalises a to the canonical "X.YY" representation.
func Format(a string) (string, error) {
	value, err := parse(a)
	if err != nil {
		return "", err
	}
	return value.StringFixed(Scale), nil
}

// Negate returns a with its sign flipped, formatted to two decimal places.
func Negate(a string) (string, error) {
	value, err := parse(a)
	if err != nil {
		return "", err
	}
	return value.Neg().StringFixed(Scale), nil
}

// Zero is the canonical zero amount.
const Zero = "0.00"
