package domain

import (
	"fmt"
	"regexp"
	"time"
)

// OrderIDPrefix is the fixed 4-letter prefix carried by every order identifier.
const OrderIDPrefix = "TGIF"

// Order identifiers are the prefix, an 8-digit date stamp, and a 3-digit
// disambiguator, e.g. TGIF20240615123.
var orderIDPattern = regexp.MustCompile(`^TGIF\d{8}\d{3}$`)

// NewOrderID builds an order identifier from the creation time and a
// disambiguator. The id is assigned exactly once and never reused.
func NewOrderID(t time.Time, disambiguator int) string {
	if disambiguator < 0 {
		disambiguator = -disambiguator
	}
	return fmt.Sprintf("%s%s%03d", OrderIDPrefix, t.UTC().Format("20060102"), disambiguator%1000)
}

// ValidOrderID reports whether the identifier matches the canonical format.
func ValidOrderID(id string) bool {
	return orderIDPattern.MatchString(id)
}
