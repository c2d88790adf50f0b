// Package connectivity owns the engine's online/offline signal. The
// signal is seeded from the host's last-known link state, updated by
// link transitions, and verified by active health probes against the
// remote service — a reachable link with a dead or rejecting server
// still counts as offline or auth-failed respectively.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablewise/mealsync/internal/metrics"
	"github.com/tablewise/mealsync/internal/transport"
	"github.com/tablewise/mealsync/pkg/errors"
	"github.com/tablewise/mealsync/pkg/events"
)

const (
	// DefaultProbeTimeout bounds a single health probe.
	DefaultProbeTimeout = 2 * time.Second

	// DefaultProbeInterval is how often to re-probe while the link is
	// up, to catch silent server outages the link state won't show.
	DefaultProbeInterval = 30 * time.Second

	// HealthPath is the remote service's health endpoint.
	HealthPath = "/api/health"
)

// Monitor owns a continuously updated online/offline boolean.
type Monitor struct {
	client  *transport.Client
	buses   *events.Buses
	watcher NetworkWatcher
	logger  *zerolog.Logger
	metrics *metrics.Metrics

	probeTimeout  time.Duration
	probeInterval time.Duration

	mu          sync.Mutex
	online      bool
	linkUp      bool
	probing     bool
	closed      bool
	cancelProbe context.CancelFunc

	changes *events.Bus[bool]
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWatcher sets the link state source.
func WithWatcher(w NetworkWatcher) Option {
	return func(m *Monitor) { m.watcher = w }
}

// WithProbeTimeout overrides the probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// WithProbeInterval overrides the periodic probe interval.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.probeInterval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithMetrics sets the instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

// New creates a Monitor seeded from the watcher's last-known state and
// starts its watch loop.
func New(client *transport.Client, buses *events.Buses, opts ...Option) *Monitor {
	nop := zerolog.Nop()
	m := &Monitor{
		client:        client,
		buses:         buses,
		watcher:       Static(true),
		logger:        &nop,
		metrics:       metrics.Nop(),
		probeTimeout:  DefaultProbeTimeout,
		probeInterval: DefaultProbeInterval,
		changes:       events.NewBus[bool](),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.linkUp = m.watcher.LastKnown()
	m.online = m.linkUp

	m.wg.Add(1)
	go m.run()
	return m
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a handler called on every online/offline
// transition. It returns the handler's unsubscribe function.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	return m.changes.Subscribe(fn)
}

// Probe runs one health probe now. If a probe is already in flight the
// call is dropped, not queued.
func (m *Monitor) Probe(ctx context.Context) {
	m.mu.Lock()
	if m.probing || m.closed {
		m.mu.Unlock()
		return
	}
	m.probing = true
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	m.cancelProbe = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.probing = false
		m.cancelProbe = nil
		m.mu.Unlock()
	}()

	resp, err := m.client.Get(ctx, HealthPath)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Health probe failed")
		m.metrics.ProbeResults.WithLabelValues("offline").Inc()
		m.setOnline(false)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		m.metrics.ProbeResults.WithLabelValues("online").Inc()
		m.setOnline(true)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The network path works; access is what's broken.
		reason := errors.ReasonSessionExpired
		if transport.IsHTMLResponse(resp) {
			reason = errors.ReasonChallenge
		}
		m.logger.Warn().
			Int("status", resp.StatusCode).
			Str("reason", string(reason)).
			Msg("Health probe rejected")
		m.metrics.ProbeResults.WithLabelValues("auth-rejected").Inc()
		m.setOnline(true)
		m.buses.AuthFailures.Publish(events.AuthFailure{Reason: reason})

	default:
		m.logger.Warn().Int("status", resp.StatusCode).Msg("Health probe returned server error")
		m.metrics.ProbeResults.WithLabelValues("offline").Inc()
		m.setOnline(false)
	}
}

// Close stops the watch loop and cancels any in-flight probe. No probe
// outlives the monitor.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cancelProbe != nil {
		m.cancelProbe()
	}
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return

		case up, ok := <-m.watcher.Changes():
			if !ok {
				return
			}
			m.mu.Lock()
			m.linkUp = up
			m.mu.Unlock()

			if up {
				// Don't trust the link flag: verify reachability.
				go m.Probe(context.Background())
			} else {
				m.logger.Info().Msg("Link down")
				m.setOnline(false)
			}

		case <-ticker.C:
			m.mu.Lock()
			linkUp := m.linkUp
			m.mu.Unlock()
			if linkUp {
				go m.Probe(context.Background())
			}
		}
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.logger.Info().Bool("online", online).Msg("Connectivity changed")
		m.changes.Publish(online)
	}
}
