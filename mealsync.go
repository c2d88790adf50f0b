// Package mealsync is an offline-first synchronization engine for the
// meal planner backend. It keeps local copies of the server's
// collections, applies every user intent optimistically, queues
// changes made offline, and reconciles with the server when
// connectivity returns.
package mealsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tablewise/mealsync/internal/connectivity"
	"github.com/tablewise/mealsync/internal/metrics"
	"github.com/tablewise/mealsync/internal/store"
	"github.com/tablewise/mealsync/internal/stream"
	"github.com/tablewise/mealsync/internal/syncqueue"
	"github.com/tablewise/mealsync/internal/transport"
	"github.com/tablewise/mealsync/pkg/events"
	"github.com/tablewise/mealsync/pkg/logging"
)

// Realtime message types emitted by the backend's push stream.
const (
	EventMealIdeasUpdated = "meal-ideas.updated"
	EventPantryUpdated    = "pantry.updated"
)

// Engine manages the synced collections, connectivity tracking, and the
// realtime push stream.
type Engine interface {
	// MealIdeas returns the meal ideas collection.
	MealIdeas() *MealIdeas

	// Pantry returns the pantry collection.
	Pantry() *Pantry

	// Start loads the collections, opens the realtime stream, and runs
	// an initial health probe.
	Start(ctx context.Context) error

	// Online reports the last believed server reachability.
	Online() bool

	// AuthSuspended reports whether realtime reconnects are held back
	// pending re-authentication.
	AuthSuspended() bool

	// Probe runs a health probe now instead of waiting for the next
	// periodic one.
	Probe(ctx context.Context)

	// Sync drains the pending change queue now. Start and every
	// offline-to-online transition do this automatically.
	Sync(ctx context.Context)

	// OnConnectivityChange registers a callback for online/offline
	// transitions and returns its unsubscribe function.
	OnConnectivityChange(fn func(online bool)) func()

	// OnAuthFailure registers a callback for access-denied
	// notifications and returns its unsubscribe function.
	OnAuthFailure(fn func(events.AuthFailure)) func()

	// Close shuts the engine down and flushes unsent work to the
	// durable store.
	Close() error
}

// engine is the internal implementation of the Engine interface
type engine struct {
	config  *config
	logger  *zerolog.Logger
	metrics *metrics.Metrics
	buses   *events.Buses

	client  *transport.Client
	store   *store.Store
	monitor *connectivity.Monitor
	stream  *stream.Manager
	drainer *syncqueue.Drainer

	ideas  *MealIdeas
	pantry *Pantry

	unwatch func()

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a new Engine instance with the given options
func New(opts ...Option) (Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying options: %w", err)
		}
	}
	if cfg.baseURL == "" {
		return nil, fmt.Errorf("server URL is required: use WithServer")
	}

	e := &engine{
		config: cfg,
		buses:  events.NewBuses(),
	}

	if cfg.logger != nil {
		e.logger = cfg.logger
	} else {
		e.logger = logging.Default()
	}
	e.metrics = metrics.New(cfg.registry)

	client, err := transport.New(cfg.baseURL, cfg.auth)
	if err != nil {
		return nil, fmt.Errorf("configuring transport: %w", err)
	}
	if cfg.httpClient != nil {
		client.SetHTTPClient(cfg.httpClient)
	}
	e.client = client

	st, err := store.Open(cfg.storePath)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	e.store = st

	e.monitor = connectivity.New(client, e.buses, e.monitorOptions()...)

	dial := cfg.dialer
	if dial == nil {
		dial, err = stream.WebsocketDialer(cfg.baseURL, e.streamHeader())
		if err != nil {
			_ = st.Close()
			e.monitor.Close()
			return nil, fmt.Errorf("configuring realtime stream: %w", err)
		}
	}
	e.stream = stream.New(dial, e.buses, e.monitor.Online, e.streamOptions()...)

	e.drainer = syncqueue.New(st,
		syncqueue.WithLogger(e.logger),
		syncqueue.WithMetrics(e.metrics),
	)

	e.ideas = newMealIdeas(e)
	e.pantry = newPantry(e)

	e.unwatch = e.monitor.OnChange(func(online bool) {
		e.stream.HandleConnectivity(online)
		if online {
			go e.resync(context.Background())
		}
	})

	return e, nil
}

func (e *engine) monitorOptions() []connectivity.Option {
	opts := []connectivity.Option{
		connectivity.WithLogger(e.logger),
		connectivity.WithMetrics(e.metrics),
	}
	if e.config.watcher != nil {
		opts = append(opts, connectivity.WithWatcher(e.config.watcher))
	}
	if e.config.probeTimeout > 0 {
		opts = append(opts, connectivity.WithProbeTimeout(e.config.probeTimeout))
	}
	if e.config.probeInterval > 0 {
		opts = append(opts, connectivity.WithProbeInterval(e.config.probeInterval))
	}
	return opts
}

func (e *engine) streamOptions() []stream.Option {
	opts := []stream.Option{
		stream.WithLogger(e.logger),
		stream.WithMetrics(e.metrics),
	}
	if e.config.backoffBase > 0 || e.config.backoffMax > 0 {
		opts = append(opts, stream.WithBackoff(e.config.backoffBase, e.config.backoffMax))
	}
	return opts
}

// streamHeader carries the engine's credentials onto the websocket
// upgrade request.
func (e *engine) streamHeader() http.Header {
	req, err := http.NewRequest(http.MethodGet, e.config.baseURL, nil)
	if err != nil {
		return nil
	}
	e.config.auth.Apply(req)
	return req.Header
}

// MealIdeas returns the meal ideas collection.
func (e *engine) MealIdeas() *MealIdeas { return e.ideas }

// Pantry returns the pantry collection.
func (e *engine) Pantry() *Pantry { return e.pantry }

// Start loads the collections, opens the realtime stream, and runs an
// initial health probe.
func (e *engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is closed")
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.monitor.Probe(ctx)

	// Each active collection holds one reference on the shared stream.
	e.stream.Acquire()
	e.ideas.c.Activate(ctx, e.buses.Realtime)
	e.stream.Acquire()
	e.pantry.c.Activate(ctx, e.buses.Realtime)

	if e.monitor.Online() {
		e.Sync(ctx)
	}
	return nil
}

// Online reports the last believed server reachability.
func (e *engine) Online() bool { return e.monitor.Online() }

// AuthSuspended reports whether realtime reconnects are suspended.
func (e *engine) AuthSuspended() bool { return e.stream.AuthSuspended() }

// Probe runs a health probe now.
func (e *engine) Probe(ctx context.Context) { e.monitor.Probe(ctx) }

// Sync drains the pending change queue against the server.
func (e *engine) Sync(ctx context.Context) {
	e.drainer.Drain(ctx, e.ideas.c, e.pantry.c)
}

// resync runs after an offline-to-online transition: replay the queued
// changes first, then refresh both collections from the server.
func (e *engine) resync(ctx context.Context) {
	e.Sync(ctx)
	e.ideas.c.Load(ctx)
	e.pantry.c.Load(ctx)
}

// OnConnectivityChange registers a callback for online/offline transitions.
func (e *engine) OnConnectivityChange(fn func(online bool)) func() {
	return e.monitor.OnChange(fn)
}

// OnAuthFailure registers a callback for access-denied notifications.
func (e *engine) OnAuthFailure(fn func(events.AuthFailure)) func() {
	return e.buses.AuthFailures.Subscribe(fn)
}

// Close shuts the engine down. Coalesced updates flush to the pending
// queue before the store closes, so nothing typed is lost.
func (e *engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if e.unwatch != nil {
		e.unwatch()
	}

	e.ideas.c.Close()
	e.pantry.c.Close()
	if started {
		e.stream.Release()
		e.stream.Release()
	}
	e.stream.Close()
	e.monitor.Close()

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("closing local store: %w", err)
	}
	return nil
}
