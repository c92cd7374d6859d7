package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a money value held as an integer count of minor units (pence).
// Arithmetic on Amount never drifts; the decimal rendering happens only at the
// JSON boundary.
type Amount int64

// ErrInvalidAmount is returned when a decimal string cannot be parsed as money.
var ErrInvalidAmount = errors.New("domain: invalid amount")

// Minor returns the amount in minor units.
func (a Amount) Minor() int64 { return int64(a) }

// String renders the amount as a 2-decimal value, e.g. "32.97".
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON renders the amount as a JSON number with two decimal places.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON parses a JSON number (or numeric string) without going through
// binary floating point. Exponent notation is valid JSON but not a plain
// decimal, so it falls back to the float path.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	raw = strings.Trim(raw, `"`)
	parsed, err := ParseAmount(raw)
	if err != nil {
		value, floatErr := strconv.ParseFloat(raw, 64)
		if floatErr != nil {
			return err
		}
		parsed, err = AmountFromDecimal(value)
		if err != nil {
			return err
		}
	}
	*a = parsed
	return nil
}

// ParseAmount converts a decimal string such as "18.99" into minor units.
// Fractional digits beyond the second are rounded half-up.
func ParseAmount(raw string) (Amount, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}

	negative := false
	switch value[0] {
	case '-':
		negative = true
		value = value[1:]
	case '+':
		value = value[1:]
	}
	if value == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	intPart := value
	fracPart := ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		intPart = value[:idx]
		fracPart = value[idx+1:]
	}
	if intPart == "" {
		intPart = "0"
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	minor := whole * 100
	if fracPart != "" {
		for _, r := range fracPart {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
			}
		}
		padded := fracPart + "000"[:max(0, 3-len(fracPart))]
		padded = padded[:3]
		frac, err := strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
		minor += (frac + 5) / 10
	}

	if negative {
		minor = -minor
	}
	return Amount(minor), nil
}

// AmountFromDecimal converts a decimal amount (e.g. from a JSON float) into
// minor units, rounding half-up at the third decimal so binary artifacts such
// as 19.999999 land on 2000 rather than 1999.
func AmountFromDecimal(v float64) (Amount, error) {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, v)
	}
	thousandths := int64(math.Round(v * 1000))
	return Amount((thousandths + 5) / 10), nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
