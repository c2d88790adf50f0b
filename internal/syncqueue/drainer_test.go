package syncqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewise/mealsync/internal/store"
	"github.com/tablewise/mealsync/pkg/errors"
)

type appliedOp struct {
	kind    store.ChangeKind
	id      string
	payload map[string]any
}

// fakeTarget records replayed operations.
type fakeTarget struct {
	mu      sync.Mutex
	name    string
	local   map[string]bool
	applied []appliedOp
	fail    map[string]error // per target id
}

func newFakeTarget(name string) *fakeTarget {
	return &fakeTarget{name: name, local: make(map[string]bool), fail: make(map[string]error)}
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) HasLocal(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local[id]
}

func (f *fakeTarget) record(kind store.ChangeKind, id string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[id]; ok {
		return err
	}
	f.applied = append(f.applied, appliedOp{kind: kind, id: id, payload: payload})
	return nil
}

func (f *fakeTarget) ApplyAdd(_ context.Context, id string, payload map[string]any) error {
	return f.record(store.ChangeAdd, id, payload)
}

func (f *fakeTarget) ApplyUpdate(_ context.Context, id string, payload map[string]any) error {
	return f.record(store.ChangeUpdate, id, payload)
}

func (f *fakeTarget) ApplyDelete(_ context.Context, id string) error {
	return f.record(store.ChangeDelete, id, nil)
}

func (f *fakeTarget) ops() []appliedOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]appliedOp, len(f.applied))
	copy(out, f.applied)
	return out
}

func newTestDrainer(t *testing.T) (*Drainer, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func queue(t *testing.T, s *store.Store, collection string, kind store.ChangeKind, id, payload string) {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	require.NoError(t, s.QueueChange(context.Background(), collection, kind, id, raw))
}

func remaining(t *testing.T, s *store.Store, collection string) []store.PendingChange {
	t.Helper()
	pending, err := s.PendingChanges(context.Background(), collection)
	require.NoError(t, err)
	return pending
}

func TestDrainCoalescesUpdatesPerID(t *testing.T) {
	d, s := newTestDrainer(t)
	target := newFakeTarget("meal-ideas")
	target.local["42"] = true

	queue(t, s, "meal-ideas", store.ChangeUpdate, "42", `{"title":"a"}`)
	queue(t, s, "meal-ideas", store.ChangeUpdate, "42", `{"title":"ab"}`)
	queue(t, s, "meal-ideas", store.ChangeUpdate, "42", `{"title":"abc"}`)

	d.Drain(context.Background(), target)

	ops := target.ops()
	require.Len(t, ops, 1, "updates to one id coalesce into a single call")
	assert.Equal(t, store.ChangeUpdate, ops[0].kind)
	assert.Equal(t, "abc", ops[0].payload["title"], "the latest payload wins")
	assert.Empty(t, remaining(t, s, "meal-ideas"))
}

func TestDrainAddThenUpdatesBecomeSingleAdd(t *testing.T) {
	d, s := newTestDrainer(t)
	target := newFakeTarget("meal-ideas")

	tempID := store.GenerateTempID()
	target.local[tempID] = true

	queue(t, s, "meal-ideas", store.ChangeAdd, tempID, `{"title":"Rice"}`)
	queue(t, s, "meal-ideas", store.ChangeUpdate, tempID, `{"title":"Rice Bowl"}`)

	d.Drain(context.Background(), target)

	ops := target.ops()
	require.Len(t, ops, 1)
	assert.Equal(t, store.ChangeAdd, ops[0].kind)
	assert.Equal(t, "Rice Bowl", ops[0].payload["title"])
	assert.Empty(t, remaining(t, s, "meal-ideas"))
}

func TestDrainDeleteSupersedesUpdate(t *testing.T) {
	d, s := newTestDrainer(t)
	target := newFakeTarget("meal-ideas")

	queue(t, s, "meal-ideas", store.ChangeUpdate, "42", `{"title":"x"}`)
	queue(t, s, "meal-ideas", store.ChangeDelete, "42", "")

	d.Drain(context.Background(), target)

	ops := target.ops()
	require.Len(t, ops, 1)
	assert.Equal(t, store.ChangeDelete, ops[0].kind)
	assert.Empty(t, remaining(t, s, "meal-ideas"))
}

func TestDrainSkipsAddForLocallyDeletedRecord(t *testing.T) {
	d, s := newTestDrainer(t)
	target := newFakeTarget("meal-ideas")

	tempID := store.GenerateTempID()
	// Not in target.local: the user deleted it before it ever synced.
	queue(t, s, "meal-ideas", store.ChangeAdd, tempID, `{"title":"Rice"}`)

	d.Drain(context.Background(), target)

	assert.Empty(t, target.ops(), "the add must not resurrect a deleted record")
	assert.Empty(t, remaining(t, s, "meal-ideas"), "the voided add is dequeued")
}

func TestDrainAddThenDeleteCancelsOut(t *testing.T) {
	d, s := newTestDrainer(t)
	target := newFakeTarget("meal-ideas")

	tempID := store.GenerateTempID()
	queue(t, s, "meal-ideas", store.ChangeAdd, tempID, `{"title":"Rice"}`)
	queue(t, s, "meal-ideas", store.ChangeDelete, tempID, "")

	d.Drain(context.Background(), target)

	assert.Empty(t, target.ops())
	assert.Empty(t, remaining(t, s, "meal-ideas"))
}

func TestDrainKeepsFailedChangesQueued(t *testing.T) {
	d, s := newTestDrainer(t)
	target := newFakeTarget("meal-ideas")
	target.local["ok"] = true
	target.fail["bad"] = errors.New("server said no")

	queue(t, s, "meal-ideas", store.ChangeUpdate, "bad", `{"title":"x"}`)
	queue(t, s, "meal-ideas", store.ChangeUpdate, "ok", `{"title":"y"}`)

	d.Drain(context.Background(), target)

	require.Len(t, target.ops(), 1, "the healthy change still applies")
	left := remaining(t, s, "meal-ideas")
	require.Len(t, left, 1, "the failed change stays for the next drain")
	assert.Equal(t, "bad", left[0].TargetID)
}

func TestDrainTreatsNotFoundAsSatisfied(t *testing.T) {
	d, s := newTestDrainer(t)
	target := newFakeTarget("meal-ideas")
	target.fail["gone"] = &errors.NotFoundError{Collection: "meal-ideas", ID: "gone"}

	queue(t, s, "meal-ideas", store.ChangeDelete, "gone", "")

	d.Drain(context.Background(), target)

	assert.Empty(t, remaining(t, s, "meal-ideas"), "deleting a record already gone is done")
}

func TestDrainMultipleCollections(t *testing.T) {
	d, s := newTestDrainer(t)
	ideas := newFakeTarget("meal-ideas")
	pantry := newFakeTarget("pantry")
	ideas.local["1"] = true
	pantry.local["2"] = true

	queue(t, s, "meal-ideas", store.ChangeUpdate, "1", `{"title":"x"}`)
	queue(t, s, "pantry", store.ChangeUpdate, "2", `{"name":"Flour","quantity":1}`)

	d.Drain(context.Background(), ideas, pantry)

	assert.Len(t, ideas.ops(), 1)
	assert.Len(t, pantry.ops(), 1)
}
