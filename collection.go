package mealsync

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablewise/mealsync/internal/metrics"
	"github.com/tablewise/mealsync/internal/store"
	"github.com/tablewise/mealsync/pkg/errors"
	"github.com/tablewise/mealsync/pkg/events"
	"github.com/tablewise/mealsync/pkg/records"
)

// DefaultDebounceWindow is how long rapid edits to one record coalesce
// before a single network call fires.
const DefaultDebounceWindow = 500 * time.Millisecond

// Remote is the server-side CRUD surface of one collection.
type Remote[R records.Record[R]] interface {
	List(ctx context.Context) ([]R, error)
	Create(ctx context.Context, payload map[string]any) (R, error)
	Update(ctx context.Context, id string, payload map[string]any) (R, error)
	Delete(ctx context.Context, id string) error
}

// ChangeHook is called whenever the externally visible view changes.
type ChangeHook func()

// CollectionConfig wires one Collection.
type CollectionConfig[R records.Record[R]] struct {
	// Name keys the collection in the local store and in logs.
	Name string

	Remote  Remote[R]
	Store   *store.Store
	Online  func() bool
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics

	// Debounce is the per-record coalescing window for updates.
	// Zero means DefaultDebounceWindow.
	Debounce time.Duration

	// EventTypes are the realtime message types that trigger a reload.
	EventTypes []string

	// Less orders the visible view. Nil means most-recently-updated
	// first.
	Less func(a, b R) bool

	// LegacyKey, when set, names the old simple cache to migrate from
	// and fall back to. FromLegacy converts one legacy entry into a
	// record and its server create payload.
	LegacyKey  string
	FromLegacy func(entry store.LegacyEntry) (R, map[string]any)
}

// Collection is the optimistic mutation pipeline for one record
// collection: a reactive sorted view, immediate local application of
// every intent, write-through to the durable store, and deferred
// server reconciliation.
type Collection[R records.Record[R]] struct {
	cfg CollectionConfig[R]

	mu        sync.Mutex
	items     map[string]R
	loadToken uint64
	migrated  bool // one-shot legacy migration guard
	timers    map[string]*time.Timer
	coalesced map[string]map[string]any
	hooks     []ChangeHook
	closed    bool

	unsubscribe func()
}

// NewCollection creates a collection pipeline. Call Activate to load
// it and begin reacting to realtime messages.
func NewCollection[R records.Record[R]](cfg CollectionConfig[R]) *Collection[R] {
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounceWindow
	}
	if cfg.Less == nil {
		cfg.Less = func(a, b R) bool {
			am, bm := a.Modified(), b.Modified()
			if !am.Equal(bm) {
				return am.After(bm)
			}
			return a.RecordID() < b.RecordID()
		}
	}
	return &Collection[R]{
		cfg:       cfg,
		items:     make(map[string]R),
		timers:    make(map[string]*time.Timer),
		coalesced: make(map[string]map[string]any),
	}
}

// Activate loads the collection and subscribes it to the realtime bus.
func (c *Collection[R]) Activate(ctx context.Context, bus *events.Bus[events.Message]) {
	if bus != nil {
		c.unsubscribe = bus.Subscribe(func(msg events.Message) {
			if slices.Contains(c.cfg.EventTypes, msg.Type) {
				go c.Load(context.Background())
			}
		})
	}
	c.Load(ctx)
}

// Close cancels pending debounce timers and the realtime subscription.
// Coalesced-but-unsent updates flush to the pending queue so they
// survive the shutdown.
func (c *Collection[R]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	pending := c.coalesced
	c.coalesced = make(map[string]map[string]any)
	c.mu.Unlock()

	ctx := context.Background()
	for id, payload := range pending {
		c.queue(ctx, store.ChangeUpdate, id, payload)
	}

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Name returns the collection name.
func (c *Collection[R]) Name() string { return c.cfg.Name }

// OnChange registers a hook called after every visible view change.
func (c *Collection[R]) OnChange(fn ChangeHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// View returns the visible collection, sorted.
func (c *Collection[R]) View() []R {
	c.mu.Lock()
	out := make([]R, 0, len(c.items))
	for _, rec := range c.items {
		out = append(out, rec)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return c.cfg.Less(out[i], out[j]) })
	return out
}

// Get returns the record with the given id, if visible.
func (c *Collection[R]) Get(id string) (R, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.items[id]
	return rec, ok
}

// HasLocal reports whether the id is currently in the visible view.
// The queue drain uses it to skip adds for records deleted before they
// ever synced.
func (c *Collection[R]) HasLocal(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Load fetches the remote collection, merges it with locally held
// temp-id records, and mirrors the result into the durable store.
// Every call supersedes any load still in flight: a response is only
// applied while its token is still the latest issued.
func (c *Collection[R]) Load(ctx context.Context) {
	token := c.nextToken()

	remote, err := c.cfg.Remote.List(ctx)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Str("collection", c.cfg.Name).
			Msg("Remote load failed, falling back to local cache")
		c.loadFromCache(ctx, token)
		return
	}

	if len(remote) == 0 && c.migrateLegacy(ctx) {
		remote, err = c.cfg.Remote.List(ctx)
		if err != nil {
			c.loadFromCache(ctx, token)
			return
		}
	}

	temp := c.storedTempRecords(ctx)

	c.mu.Lock()
	if token != c.loadToken {
		c.mu.Unlock()
		return
	}
	items := make(map[string]R, len(remote)+len(temp))
	for _, rec := range remote {
		items[rec.RecordID()] = rec
	}
	// The remote list never contains temp ids, so this union cannot
	// overwrite.
	for _, rec := range temp {
		items[rec.RecordID()] = rec
	}
	c.items = items
	c.mu.Unlock()

	c.mirror(ctx)
	c.notify()
}

// loadFromCache rehydrates from the durable store, falling back to the
// legacy simple cache when the store holds nothing.
func (c *Collection[R]) loadFromCache(ctx context.Context, token uint64) {
	cached := c.storedRecords(ctx, false)

	if len(cached) == 0 && c.cfg.LegacyKey != "" && c.cfg.FromLegacy != nil {
		entries, err := c.cfg.Store.LegacyEntries(ctx, c.cfg.LegacyKey)
		if err == nil {
			for _, entry := range entries {
				rec, _ := c.cfg.FromLegacy(entry)
				cached = append(cached, rec)
			}
		}
	}

	c.mu.Lock()
	if token != c.loadToken {
		c.mu.Unlock()
		return
	}
	items := make(map[string]R, len(cached))
	for _, rec := range cached {
		items[rec.RecordID()] = rec
	}
	c.items = items
	c.mu.Unlock()

	c.notify()
}

// migrateLegacy recreates legacy cache entries on the server. It runs
// at most once per pipeline lifetime, and only when the remote
// collection came back empty, so repeated loads cannot duplicate
// records.
func (c *Collection[R]) migrateLegacy(ctx context.Context) bool {
	if c.cfg.LegacyKey == "" || c.cfg.FromLegacy == nil {
		return false
	}

	c.mu.Lock()
	if c.migrated {
		c.mu.Unlock()
		return false
	}
	c.migrated = true
	c.mu.Unlock()

	entries, err := c.cfg.Store.LegacyEntries(ctx, c.cfg.LegacyKey)
	if err != nil || len(entries) == 0 {
		return false
	}

	c.cfg.Logger.Info().Str("collection", c.cfg.Name).Int("entries", len(entries)).
		Msg("Migrating legacy cache to server")

	migrated := false
	for _, entry := range entries {
		_, payload := c.cfg.FromLegacy(entry)
		if _, err := c.cfg.Remote.Create(ctx, payload); err != nil {
			c.cfg.Logger.Warn().Err(err).Str("title", entry.Title).
				Msg("Legacy entry migration failed")
			continue
		}
		migrated = true
	}
	return migrated
}

// Add creates a record optimistically: it is visible and durable under
// a temporary id before any network traffic. Online, a successful
// server create atomically swaps the temp id for the server id; any
// failure leaves the temp record in place and queues the add.
func (c *Collection[R]) Add(ctx context.Context, optimistic R, payload map[string]any) R {
	tempID := store.GenerateTempID()
	rec := optimistic.WithID(tempID)

	c.mu.Lock()
	c.loadToken++ // a mutation supersedes any load in flight
	c.items[tempID] = rec
	c.mu.Unlock()

	c.saveLocal(ctx, rec)
	c.notify()

	if !c.cfg.Online() {
		c.queue(ctx, store.ChangeAdd, tempID, payload)
		return rec
	}

	created, err := c.cfg.Remote.Create(ctx, payload)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Str("collection", c.cfg.Name).
			Msg("Server create failed, queuing add")
		c.queue(ctx, store.ChangeAdd, tempID, payload)
		return rec
	}

	c.Confirm(ctx, tempID, created)
	return created
}

// Confirm atomically replaces a temp-id record with its
// server-confirmed version in both the view and the store. If the
// record was deleted locally while the create was in flight, the
// confirmation is dropped rather than resurrecting it.
func (c *Collection[R]) Confirm(ctx context.Context, tempID string, confirmed R) {
	c.mu.Lock()
	if _, ok := c.items[tempID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.items, tempID)

	// An edit made while the create was in flight is still keyed by the
	// temp id. Re-key the coalesced payload and its debounce timer to
	// the server id and fold the edited fields into the confirmed
	// record so the edit survives the swap.
	serverID := confirmed.RecordID()
	if pending, ok := c.coalesced[tempID]; ok {
		delete(c.coalesced, tempID)
		c.coalesced[serverID] = pending
		confirmed = overlayFields(confirmed, pending)
	}
	if timer, ok := c.timers[tempID]; ok {
		timer.Stop()
		delete(c.timers, tempID)
		c.timers[serverID] = time.AfterFunc(c.cfg.Debounce, func() {
			c.flushUpdate(serverID)
		})
	}

	c.items[serverID] = confirmed
	c.mu.Unlock()

	payload, err := json.Marshal(confirmed)
	if err == nil {
		if err := c.cfg.Store.SwapRecordID(ctx, c.cfg.Name, tempID, confirmed.RecordID(), payload); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("Store id swap failed")
		}
	}
	c.notify()
}

// Update applies a partial update to the visible view immediately and
// writes it through to the store. The network call is debounced per
// record id: rapid edits coalesce and only the final payload is sent
// (or queued) once the window closes with no further edit.
func (c *Collection[R]) Update(ctx context.Context, id string, mutate func(R) R, payload map[string]any) error {
	c.mu.Lock()
	rec, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return &errors.NotFoundError{Collection: c.cfg.Name, ID: id}
	}
	c.loadToken++

	updated := mutate(rec)
	c.items[id] = updated

	// Coalesce: later fields win.
	merged := c.coalesced[id]
	if merged == nil {
		merged = make(map[string]any, len(payload))
		c.coalesced[id] = merged
	}
	for k, v := range payload {
		merged[k] = v
	}

	if timer, ok := c.timers[id]; ok {
		timer.Stop()
	}
	c.timers[id] = time.AfterFunc(c.cfg.Debounce, func() {
		c.flushUpdate(id)
	})
	c.mu.Unlock()

	c.saveLocal(ctx, updated)
	c.notify()
	return nil
}

// flushUpdate sends (or queues) the coalesced payload for one record
// after its debounce window elapsed.
func (c *Collection[R]) flushUpdate(id string) {
	c.mu.Lock()
	delete(c.timers, id)
	payload, ok := c.coalesced[id]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.coalesced, id)
	_, present := c.items[id]
	c.mu.Unlock()

	if !present {
		// Deleted while the debounce window was open; the delete path
		// already handled the server side.
		return
	}

	ctx := context.Background()

	if store.IsTempID(id) || !c.cfg.Online() {
		c.queue(ctx, store.ChangeUpdate, id, payload)
		return
	}

	updated, err := c.cfg.Remote.Update(ctx, id, payload)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Str("collection", c.cfg.Name).Str("id", id).
			Msg("Server update failed, queuing")
		c.queue(ctx, store.ChangeUpdate, id, payload)
		return
	}

	c.mu.Lock()
	if _, ok := c.items[id]; ok {
		c.items[id] = updated
	}
	c.mu.Unlock()
	c.saveLocal(ctx, updated)
	c.notify()
}

// Delete removes a record from the view and store immediately. A
// pending debounced update for the id is cancelled and discarded: the
// delete supersedes it. Temp-id records never reached the server, so
// their removal is purely local.
func (c *Collection[R]) Delete(ctx context.Context, id string) {
	c.mu.Lock()
	_, existed := c.items[id]
	delete(c.items, id)
	c.loadToken++
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
	delete(c.coalesced, id)
	c.mu.Unlock()

	if !existed {
		return
	}

	if err := c.cfg.Store.DeleteRecord(ctx, c.cfg.Name, id); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("Store delete failed")
	}
	// Queued updates for the record are moot now.
	if err := c.cfg.Store.DeletePendingFor(ctx, c.cfg.Name, id, store.ChangeUpdate); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("Pending update discard failed")
	}
	c.notify()

	if store.IsTempID(id) {
		// Never existed on the server. The queued add, if any, stays;
		// the drain step skips adds whose record is gone locally.
		return
	}

	if !c.cfg.Online() {
		c.queue(ctx, store.ChangeDelete, id, nil)
		return
	}
	if err := c.cfg.Remote.Delete(ctx, id); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("id", id).
			Msg("Server delete failed, queuing")
		c.queue(ctx, store.ChangeDelete, id, nil)
	}
}

// ApplyAdd replays a queued add against the server and swaps the temp
// id for the confirmed one. Used by the queue drain.
func (c *Collection[R]) ApplyAdd(ctx context.Context, tempID string, payload map[string]any) error {
	created, err := c.cfg.Remote.Create(ctx, payload)
	if err != nil {
		return err
	}
	c.Confirm(ctx, tempID, created)
	return nil
}

// ApplyUpdate replays a queued update against the server.
func (c *Collection[R]) ApplyUpdate(ctx context.Context, id string, payload map[string]any) error {
	updated, err := c.cfg.Remote.Update(ctx, id, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.items[id]; ok {
		c.items[id] = updated
	}
	c.mu.Unlock()
	c.saveLocal(ctx, updated)
	c.notify()
	return nil
}

// ApplyDelete replays a queued delete against the server.
func (c *Collection[R]) ApplyDelete(ctx context.Context, id string) error {
	return c.cfg.Remote.Delete(ctx, id)
}

func (c *Collection[R]) nextToken() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadToken++
	return c.loadToken
}

func (c *Collection[R]) saveLocal(ctx context.Context, rec R) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.cfg.Store.SaveRecord(ctx, c.cfg.Name, rec.RecordID(), payload); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("collection", c.cfg.Name).Msg("Store write failed")
	}
}

func (c *Collection[R]) queue(ctx context.Context, kind store.ChangeKind, targetID string, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte("{}")
	}
	if err := c.cfg.Store.QueueChange(ctx, c.cfg.Name, kind, targetID, encoded); err != nil {
		c.cfg.Logger.Error().Err(err).Str("target_id", targetID).
			Msg("Failed to queue pending change")
		return
	}
	c.cfg.Metrics.QueuedChanges.WithLabelValues(string(kind)).Inc()
}

// mirror rewrites the store's cached collection from the current view.
func (c *Collection[R]) mirror(ctx context.Context) {
	c.mu.Lock()
	raw := make([]store.RawRecord, 0, len(c.items))
	for id, rec := range c.items {
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		raw = append(raw, store.RawRecord{ID: id, Payload: payload})
	}
	c.mu.Unlock()

	if err := c.cfg.Store.ReplaceRecords(ctx, c.cfg.Name, raw); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("collection", c.cfg.Name).Msg("Store mirror failed")
	}
}

// storedRecords reads the cached collection back from the store.
func (c *Collection[R]) storedRecords(ctx context.Context, tempOnly bool) []R {
	raw, err := c.cfg.Store.ListRecords(ctx, c.cfg.Name)
	if err != nil {
		return nil
	}
	var out []R
	for _, r := range raw {
		if tempOnly && !store.IsTempID(r.ID) {
			continue
		}
		var rec R
		if err := json.Unmarshal(r.Payload, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (c *Collection[R]) storedTempRecords(ctx context.Context) []R {
	return c.storedRecords(ctx, true)
}

// overlayFields applies partial-update payload fields on top of a
// record through its JSON form. Fields the record does not declare are
// ignored; on any marshal failure the record is returned unchanged.
func overlayFields[R records.Record[R]](rec R, fields map[string]any) R {
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return rec
	}
	for k, v := range fields {
		merged[k] = v
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return rec
	}
	out := rec
	if err := json.Unmarshal(raw, &out); err != nil {
		return rec
	}
	return out
}

func (c *Collection[R]) notify() {
	c.mu.Lock()
	hooks := make([]ChangeHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
