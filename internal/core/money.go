// Package core holds the domain model for the sync/categorize/budget
// pipeline.
//
// This file contains money parsing and formatting. Amounts are kept as
// signed integer cents everywhere; floats only appear at the summary
// boundary, rounded to two decimals.
package core

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Money is a signed amount in cents. Negative cents are outflows and
// positive cents inflows, matching the aggregator's sign convention.
type Money struct {
	Cents int64
}

// ParseMoney converts a decimal string (as the aggregator sends it) to
// signed cents, with half-up rounding on the third decimal place. Both dot
// and comma decimal separators are accepted.
//
// Examples:
//
//	ParseMoney("-45.00")  -> -4500, nil
//	ParseMoney("12,345")  -> 1235, nil (rounds up)
//	ParseMoney("+500")    -> 50000, nil
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")

	negative := false
	switch {
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Money{}, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	if intPart == "0" && fracPart == "" && len(parts) == 2 {
		return Money{}, ErrInvalidAmount
	}
	for _, r := range intPart {
		if !unicode.IsDigit(r) {
			return Money{}, ErrInvalidAmount
		}
	}
	for _, r := range fracPart {
		if !unicode.IsDigit(r) {
			return Money{}, ErrInvalidAmount
		}
	}

	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	const maxSafeInt64 = (1<<63 - 1) / 100
	if iv > maxSafeInt64 {
		return Money{}, ErrInvalidAmount
	}

	// First two fractional digits are cents; the third decides half-up.
	var fracCents int64
	if len(fracPart) > 0 {
		fracCents = int64(fracPart[0]-'0') * 10
		if len(fracPart) > 1 {
			fracCents += int64(fracPart[1] - '0')
			if len(fracPart) > 2 && fracPart[2] >= '5' {
				fracCents++
			}
		}
	}

	cents := iv*100 + fracCents
	if negative {
		cents = -cents
	}
	return Money{Cents: cents}, nil
}

// Dollars returns the amount as a float64 with exactly two decimals of
// precision. Use cents for arithmetic; this is for summary output only.
func (m Money) Dollars() float64 {
	return float64(m.Cents) / 100.0
}

// Abs returns the magnitude of the amount.
func (m Money) Abs() Money {
	if m.Cents < 0 {
		return Money{Cents: -m.Cents}
	}
	return m
}

// IsOutflow reports whether the amount counts as spending.
func (m Money) IsOutflow() bool {
	return m.Cents < 0
}

// String formats the amount as a plain decimal, e.g. "-45.00".
func (m Money) String() string {
	sign := ""
	c := m.Cents
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
