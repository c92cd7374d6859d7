package pagination

import "errors"

const (
	// DefaultPageSize defines the fallback number of items returned when the caller omits a page size.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps the supported page size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

// Cursor represents the Firestore pagination cursor payload.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
	StartAt    []any `json:"startAt,omitempty"`
}

// ErrInvalidPageToken indicates a page token that could not be decoded.
var ErrInvalidPageToken = errors.New("pagination: invalid pageToken")

// Clamp normalises a requested page size against a fallback and an upper bound.
func Clamp(size, fallback, max int) int {
	if max <= 0 {
		max = DefaultMaxPageSize
	}
	if fallback <= 0 {
		fallback = DefaultPageSize
	}
	if fallback > max {
		fallback = max
	}
	if size <= 0 {
		return fallback
	}
	if size > max {
		return max
	}
	return size
}
