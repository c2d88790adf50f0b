// Package syncqueue replays the local store's pending-change backlog
// against the server once connectivity returns. Replay is
// at-least-once and idempotent by target id: changes per record
// coalesce to their final intent before anything is sent, a delete
// supersedes queued updates, and adds for records the user already
// deleted locally are skipped outright.
package syncqueue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tablewise/mealsync/internal/metrics"
	"github.com/tablewise/mealsync/internal/store"
	"github.com/tablewise/mealsync/pkg/errors"
)

// Target is one collection the drainer can replay into. The engine's
// collection pipelines implement it.
type Target interface {
	// Name keys the collection in the pending queue.
	Name() string

	// HasLocal reports whether the record is still visible locally.
	HasLocal(id string) bool

	// ApplyAdd creates the record server-side and confirms the temp id.
	ApplyAdd(ctx context.Context, tempID string, payload map[string]any) error

	// ApplyUpdate sends the record's latest queued payload.
	ApplyUpdate(ctx context.Context, id string, payload map[string]any) error

	// ApplyDelete deletes the record server-side.
	ApplyDelete(ctx context.Context, id string) error
}

// Drainer replays pending changes. One drain runs at a time; a drain
// requested while another is running is dropped, the next connectivity
// transition will trigger a fresh one.
type Drainer struct {
	store   *store.Store
	logger  *zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	draining bool
}

// Option configures a Drainer.
type Option func(*Drainer)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(d *Drainer) { d.logger = logger }
}

// WithMetrics sets the instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(d *Drainer) { d.metrics = mx }
}

// New creates a Drainer over the given store.
func New(s *store.Store, opts ...Option) *Drainer {
	nop := zerolog.Nop()
	d := &Drainer{store: s, logger: &nop, metrics: metrics.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// plan is the coalesced intent for one target id.
type plan struct {
	kind    store.ChangeKind
	payload map[string]any
	seqs    []int64
	dropped bool // add then delete of a never-synced record: nothing to send
}

// Drain replays every target's backlog. Failed changes stay queued for
// the next drain; everything applied, skipped, or voided is dequeued.
func (d *Drainer) Drain(ctx context.Context, targets ...Target) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.draining = false
		d.mu.Unlock()
	}()

	for _, target := range targets {
		d.drainTarget(ctx, target)
	}
}

func (d *Drainer) drainTarget(ctx context.Context, target Target) {
	pending, err := d.store.PendingChanges(ctx, target.Name())
	if err != nil {
		d.logger.Warn().Err(err).Str("collection", target.Name()).
			Msg("Pending queue read failed")
		return
	}
	if len(pending) == 0 {
		return
	}

	order, plans := coalesce(pending)

	d.logger.Info().
		Str("collection", target.Name()).
		Int("queued", len(pending)).
		Int("coalesced", len(order)).
		Msg("Draining pending changes")

	for _, id := range order {
		p := plans[id]
		outcome := d.apply(ctx, target, id, p)

		if outcome == "failed" {
			d.metrics.DrainedChanges.WithLabelValues("failed").Inc()
			continue
		}
		for _, seq := range p.seqs {
			if err := d.store.DeletePending(ctx, seq); err != nil {
				d.logger.Warn().Err(err).Int64("seq", seq).Msg("Dequeue failed")
			}
		}
		d.metrics.DrainedChanges.WithLabelValues(outcome).Inc()
	}
}

// apply executes one coalesced plan. It returns "applied", "skipped",
// or "failed".
func (d *Drainer) apply(ctx context.Context, target Target, id string, p *plan) string {
	if p.dropped {
		return "skipped"
	}

	var err error
	switch p.kind {
	case store.ChangeAdd:
		if !target.HasLocal(id) {
			// Deleted locally before it ever synced; creating it now
			// would resurrect a record the user removed.
			return "skipped"
		}
		err = target.ApplyAdd(ctx, id, p.payload)

	case store.ChangeUpdate:
		err = target.ApplyUpdate(ctx, id, p.payload)

	case store.ChangeDelete:
		err = target.ApplyDelete(ctx, id)
	}

	if err == nil {
		return "applied"
	}
	if errors.IsNotFound(err) {
		// The record is gone server-side; the intent is satisfied.
		return "skipped"
	}

	d.logger.Warn().Err(err).
		Str("collection", target.Name()).
		Str("target_id", id).
		Str("kind", string(p.kind)).
		Msg("Pending change replay failed, keeping it queued")
	return "failed"
}

// coalesce folds an append-only backlog into one final intent per
// target id, preserving first-seen order across ids.
func coalesce(pending []store.PendingChange) ([]string, map[string]*plan) {
	var order []string
	plans := make(map[string]*plan)

	for _, change := range pending {
		p, ok := plans[change.TargetID]
		if !ok {
			p = &plan{kind: change.Kind}
			plans[change.TargetID] = p
			order = append(order, change.TargetID)
		}
		p.seqs = append(p.seqs, change.Seq)

		var payload map[string]any
		if len(change.Payload) > 0 {
			_ = json.Unmarshal(change.Payload, &payload)
		}

		switch change.Kind {
		case store.ChangeAdd:
			p.kind = store.ChangeAdd
			p.dropped = false
			p.payload = mergePayload(p.payload, payload)

		case store.ChangeUpdate:
			if p.kind != store.ChangeAdd {
				p.kind = store.ChangeUpdate
			}
			p.payload = mergePayload(p.payload, payload)

		case store.ChangeDelete:
			if p.kind == store.ChangeAdd && store.IsTempID(change.TargetID) {
				// The record never reached the server: the pair of
				// queued changes cancels out entirely.
				p.dropped = true
			}
			p.kind = store.ChangeDelete
			p.payload = nil
		}
	}

	return order, plans
}

// mergePayload overlays later fields onto earlier ones.
func mergePayload(base, overlay map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(overlay))
	}
	for k, v := range overlay {
		base[k] = v
	}
	return base
}
