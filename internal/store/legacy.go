package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tablewise/mealsync/pkg/errors"
)

// LegacyIdeasKey is the fixed key the pre-sync client stored its meal
// ideas under.
const LegacyIdeasKey = "meal-ideas-cache"

// LegacyEntry is one record in the legacy simple cache.
type LegacyEntry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at"`
}

// LegacyEntries reads the legacy simple cache under the given key.
// Entries written by old client versions are not trusted: missing or
// non-string fields are coerced where possible and the entry is
// dropped otherwise. A missing key yields an empty result, not an
// error.
func (s *Store) LegacyEntries(ctx context.Context, key string) ([]LegacyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM simple_cache WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapStore("legacy read", key, err)
	}

	var raw []map[string]any
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		// A corrupt cache reads as empty rather than failing the load path.
		return nil, nil
	}

	var out []LegacyEntry
	for _, m := range raw {
		entry := LegacyEntry{
			ID:        coerceString(m["id"]),
			Title:     strings.TrimSpace(coerceString(m["title"])),
			UpdatedAt: coerceString(m["updated_at"]),
		}
		if entry.ID == "" || entry.Title == "" {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// SetLegacyEntries writes the legacy simple cache under the given key.
func (s *Store) SetLegacyEntries(ctx context.Context, key string, entries []LegacyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if entries == nil {
		entries = []LegacyEntry{}
	}
	value, err := json.Marshal(entries)
	if err != nil {
		return errors.WrapParse("json", "legacy cache", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simple_cache (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, string(value))
	return errors.WrapStore("legacy write", key, err)
}

// ClearLegacy removes the legacy cache under the given key.
func (s *Store) ClearLegacy(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM simple_cache WHERE key = ?`, key)
	return errors.WrapStore("legacy clear", key, err)
}

// coerceString renders the permissive field types old caches hold.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return ""
	}
}
