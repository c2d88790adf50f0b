// Package records defines the domain records the mealsync engine keeps
// in sync: meal ideas and pantry items. Records are small, flat, and
// identified either by a server-assigned id or by a locally generated
// temporary id while creation is still pending.
package records

import (
	"strconv"
	"strings"
	"time"
)

// Record is the shape every synced collection record satisfies. The
// type parameter lets WithID return the concrete record type, so the
// pipeline can swap a temporary id for a server id without reflection.
type Record[R any] interface {
	// RecordID returns the record's logical identifier, temporary or
	// server-assigned.
	RecordID() string

	// WithID returns a copy of the record carrying the given identifier.
	WithID(id string) R

	// Modified returns the parsed updated_at timestamp. Unparsable
	// timestamps yield epoch zero so they sort oldest, never error.
	Modified() time.Time
}

// MealIdea is a single idea on the meal ideas list.
type MealIdea struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at"`
}

// RecordID implements Record.
func (m MealIdea) RecordID() string { return m.ID }

// WithID implements Record.
func (m MealIdea) WithID(id string) MealIdea {
	m.ID = id
	return m
}

// Modified implements Record.
func (m MealIdea) Modified() time.Time { return ParseTimestamp(m.UpdatedAt) }

// PantryItem is a single item in the pantry inventory.
type PantryItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UpdatedAt string `json:"updated_at"`
}

// RecordID implements Record.
func (p PantryItem) RecordID() string { return p.ID }

// WithID implements Record.
func (p PantryItem) WithID(id string) PantryItem {
	p.ID = id
	return p
}

// Modified implements Record.
func (p PantryItem) Modified() time.Time { return ParseTimestamp(p.UpdatedAt) }

// epoch is the sort floor for records with broken timestamps.
var epoch = time.Unix(0, 0).UTC()

// ParseTimestamp parses an ISO-8601 timestamp. Records arrive from the
// server with full RFC 3339 timestamps, but the legacy cache holds
// whatever an older client wrote, so missing offsets and bare dates
// are tolerated. Anything unparsable maps to epoch zero.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return epoch
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999", // no offset, as Python isoformat emits
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return epoch
}

// Timestamp formats a time the way the server does.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CoerceQuantity parses a user-entered quantity. Non-numeric input
// coerces to zero so the optimistic path never blocks on validation.
func CoerceQuantity(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
