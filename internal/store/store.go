// Package store is the client's durability tier: cached collection
// records, the queue of pending (not-yet-synced) changes, and the
// legacy simple cache an older client version wrote. Records are kept
// as JSON blobs keyed by collection and id; the engine owns their
// shape, the store only persists them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/tablewise/mealsync/pkg/errors"
	"github.com/tablewise/mealsync/pkg/records"
)

// TempIDPrefix marks locally generated identifiers awaiting server
// confirmation. Server ids never carry it.
const TempIDPrefix = "tmp_"

// ChangeKind classifies a queued mutation.
type ChangeKind string

// Queued mutation kinds.
const (
	ChangeAdd    ChangeKind = "add"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// PendingChange is a mutation waiting to be replayed against the server.
type PendingChange struct {
	Seq        int64
	Collection string
	Kind       ChangeKind
	TargetID   string
	Payload    json.RawMessage
	QueuedAt   time.Time
}

// RawRecord is a cached record as the store holds it.
type RawRecord struct {
	ID      string
	Payload json.RawMessage
}

// Store is a SQLite-backed local durable store.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS cached_records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS pending_changes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	kind       TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	queued_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS simple_cache (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Open opens (creating if needed) the store at path. Use ":memory:"
// for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, errors.WrapStore("open", "", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapStore("open", "", err)
	}
	// The engine serializes access itself; one connection keeps the
	// modernc driver away from SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapStore("migrate", "", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard() error {
	if s.closed {
		return errors.ErrStoreClosed
	}
	return nil
}

// SaveRecord writes (or overwrites) a cached record.
func (s *Store) SaveRecord(ctx context.Context, collection, id string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cached_records (collection, id, payload) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET payload = excluded.payload`,
		collection, id, string(payload))
	return errors.WrapStore("save", collection, err)
}

// DeleteRecord removes a cached record. Deleting a missing record is
// not an error.
func (s *Store) DeleteRecord(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_records WHERE collection = ? AND id = ?`, collection, id)
	return errors.WrapStore("delete", collection, err)
}

// ListRecords returns all cached records for a collection.
func (s *Store) ListRecords(ctx context.Context, collection string) ([]RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM cached_records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, errors.WrapStore("list", collection, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []RawRecord
	for rows.Next() {
		var r RawRecord
		var payload string
		if err := rows.Scan(&r.ID, &payload); err != nil {
			return nil, errors.WrapStore("list", collection, err)
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, errors.WrapStore("list", collection, rows.Err())
}

// ClearRecords removes every cached record for a collection.
func (s *Store) ClearRecords(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_records WHERE collection = ?`, collection)
	return errors.WrapStore("clear", collection, err)
}

// ReplaceRecords clears a collection and writes the given records in
// one transaction. The pipeline mirrors its merged view this way so an
// offline session can rehydrate from it.
func (s *Store) ReplaceRecords(ctx context.Context, collection string, recs []RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapStore("replace", collection, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cached_records WHERE collection = ?`, collection); err != nil {
		return errors.WrapStore("replace", collection, err)
	}
	for _, r := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cached_records (collection, id, payload) VALUES (?, ?, ?)`,
			collection, r.ID, string(r.Payload)); err != nil {
			return errors.WrapStore("replace", collection, err)
		}
	}
	return errors.WrapStore("replace", collection, tx.Commit())
}

// SwapRecordID atomically replaces a temp-id record with its
// server-confirmed version. The temp entry and the confirmed entry are
// never both present.
func (s *Store) SwapRecordID(ctx context.Context, collection, tempID, serverID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapStore("swap", collection, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cached_records WHERE collection = ? AND id = ?`, collection, tempID); err != nil {
		return errors.WrapStore("swap", collection, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cached_records (collection, id, payload) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET payload = excluded.payload`,
		collection, serverID, string(payload)); err != nil {
		return errors.WrapStore("swap", collection, err)
	}
	return errors.WrapStore("swap", collection, tx.Commit())
}

// QueueChange appends a pending change. The queue is append-only;
// the drain step coalesces by target id.
func (s *Store) QueueChange(ctx context.Context, collection string, kind ChangeKind, targetID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_changes (collection, kind, target_id, payload, queued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		collection, string(kind), targetID, string(payload), records.Timestamp(time.Now()))
	return errors.WrapStore("queue", collection, err)
}

// PendingChanges returns the queued changes for a collection in queue
// order.
func (s *Store) PendingChanges(ctx context.Context, collection string) ([]PendingChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, collection, kind, target_id, payload, queued_at
		 FROM pending_changes WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, errors.WrapStore("pending", collection, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []PendingChange
	for rows.Next() {
		var c PendingChange
		var kind, payload, queuedAt string
		if err := rows.Scan(&c.Seq, &c.Collection, &kind, &c.TargetID, &payload, &queuedAt); err != nil {
			return nil, errors.WrapStore("pending", collection, err)
		}
		c.Kind = ChangeKind(kind)
		c.Payload = json.RawMessage(payload)
		c.QueuedAt = records.ParseTimestamp(queuedAt)
		out = append(out, c)
	}
	return out, errors.WrapStore("pending", collection, rows.Err())
}

// DeletePending removes a drained change by sequence number.
func (s *Store) DeletePending(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE seq = ?`, seq)
	return errors.WrapStore("dequeue", "", err)
}

// DeletePendingFor removes every queued change targeting the given id.
// A local delete supersedes queued updates for the same record.
func (s *Store) DeletePendingFor(ctx context.Context, collection, targetID string, kinds ...ChangeKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if len(kinds) == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM pending_changes WHERE collection = ? AND target_id = ?`,
			collection, targetID)
		return errors.WrapStore("dequeue", collection, err)
	}

	for _, kind := range kinds {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM pending_changes WHERE collection = ? AND target_id = ? AND kind = ?`,
			collection, targetID, string(kind)); err != nil {
			return errors.WrapStore("dequeue", collection, err)
		}
	}
	return nil
}

// GenerateTempID returns a fresh temporary identifier.
func GenerateTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether an identifier is locally generated.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
