// Package stream maintains the engine's single long-lived push
// connection to the server, shared by reference count across every
// interested consumer, and relays inbound frames onto the process-wide
// realtime bus. Connection lifetime is gated on connectivity and
// governed by exponential-backoff reconnection with an auth-failure
// heuristic for transports that hide HTTP status codes.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablewise/mealsync/internal/metrics"
	"github.com/tablewise/mealsync/pkg/errors"
	"github.com/tablewise/mealsync/pkg/events"
)

const (
	// DefaultBackoffBase is the first reconnect delay.
	DefaultBackoffBase = 3 * time.Second

	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 60 * time.Second

	// authFailureThreshold is how many consecutive connections must
	// fail without ever opening before the manager assumes the
	// credentials are bad and stops retrying.
	authFailureThreshold = 3
)

// Manager owns the shared push connection.
type Manager struct {
	dial    Dialer
	buses   *events.Buses
	online  func() bool
	logger  *zerolog.Logger
	metrics *metrics.Metrics

	backoffBase time.Duration
	backoffMax  time.Duration

	mu          sync.Mutex
	consumers   int
	conn        Conn
	gen         int // bumped on every deliberate close; stale read loops check it
	attempts    int // failed connections since the last successful open
	neverOpened int // consecutive failures that never reached open
	authFailed  bool
	reconnect   *time.Timer
	closed      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithBackoff overrides the reconnect delay bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffMax = max
	}
}

// New creates a stream manager. online gates connection attempts;
// it is consulted at every open and reconnect decision.
func New(dial Dialer, buses *events.Buses, online func() bool, opts ...Option) *Manager {
	nop := zerolog.Nop()
	m := &Manager{
		dial:        dial,
		buses:       buses,
		online:      online,
		logger:      &nop,
		metrics:     metrics.Nop(),
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire registers a consumer's interest. The connection opens on the
// 0 to 1 transition, if connectivity allows.
func (m *Manager) Acquire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.consumers++
	m.metrics.StreamConsumers.Set(float64(m.consumers))

	if m.consumers == 1 {
		m.connectLocked()
	}
}

// Release deregisters a consumer. When the last consumer leaves, the
// connection closes and all retry state resets.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consumers == 0 {
		return
	}
	m.consumers--
	m.metrics.StreamConsumers.Set(float64(m.consumers))

	if m.consumers == 0 {
		m.teardownLocked()
		m.attempts = 0
		m.neverOpened = 0
		m.authFailed = false
	}
}

// Consumers returns the current reference count.
func (m *Manager) Consumers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumers
}

// AuthSuspended reports whether reconnects are suspended pending
// re-authentication.
func (m *Manager) AuthSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authFailed
}

// HandleConnectivity reacts to an online/offline transition. Wire it
// to the connectivity monitor's change subscription.
func (m *Manager) HandleConnectivity(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if !online {
		m.teardownLocked()
		return
	}

	// A fresh online transition is the explicit re-check that clears
	// the auth-failed suspension.
	m.authFailed = false
	m.neverOpened = 0
	if m.consumers > 0 && m.conn == nil && m.reconnect == nil {
		m.connectLocked()
	}
}

// Close tears the manager down permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.teardownLocked()
}

// teardownLocked closes the connection and cancels any pending
// reconnect. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// connectLocked starts a connection attempt. Callers hold m.mu.
func (m *Manager) connectLocked() {
	if !m.online() || m.authFailed || m.conn != nil {
		return
	}
	gen := m.gen
	go m.runConnection(gen)
}

// runConnection dials, registers the connection, and pumps frames
// until the connection dies.
func (m *Manager) runConnection(gen int) {
	conn, err := m.dial(context.Background())

	m.mu.Lock()
	if m.closed || gen != m.gen || m.consumers == 0 || m.conn != nil {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("Stream connection failed to open")
		m.failureLocked(false)
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.neverOpened = 0
	m.authFailed = false
	m.mu.Unlock()

	m.logger.Info().Msg("Stream connected")

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			m.mu.Lock()
			if m.closed || gen != m.gen {
				// Deliberate close; nothing to recover.
				m.mu.Unlock()
				return
			}
			m.logger.Warn().Err(err).Msg("Stream connection dropped")
			m.conn = nil
			m.failureLocked(true)
			m.mu.Unlock()
			return
		}
		m.deliver(frame)
	}
}

// failureLocked handles a dead connection: count the attempt, run the
// auth heuristic, and schedule the reconnect. Callers hold m.mu.
func (m *Manager) failureLocked(opened bool) {
	if m.consumers == 0 || !m.online() {
		return
	}

	m.attempts++
	if opened {
		m.neverOpened = 0
	} else {
		m.neverOpened++
	}

	// The push transport hides HTTP status codes, so a connection that
	// repeatedly dies before ever opening is read as an auth problem.
	if m.neverOpened >= authFailureThreshold {
		if !m.authFailed {
			m.authFailed = true
			m.logger.Warn().
				Int("attempts", m.neverOpened).
				Msg("Stream never opened; suspending reconnects pending re-auth")
			go m.buses.AuthFailures.Publish(events.AuthFailure{Reason: errors.ReasonSessionExpired})
		}
		return
	}

	if m.reconnect != nil {
		return
	}

	delay := m.backoffDelay(m.attempts)
	m.metrics.StreamReconnects.Inc()
	m.logger.Info().
		Int("attempt", m.attempts).
		Dur("delay", delay).
		Msg("Stream reconnect scheduled")

	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.reconnect = nil
		if m.closed || m.consumers == 0 {
			return
		}
		m.connectLocked()
	})
}

// backoffDelay returns the reconnect delay for the given attempt
// number (1-based): base * 2^(attempt-1), capped at the maximum.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.backoffMax {
			return m.backoffMax
		}
	}
	if delay > m.backoffMax {
		return m.backoffMax
	}
	return delay
}

// deliver parses one inbound frame and republishes it on the realtime
// bus. Malformed frames are logged and dropped; they never affect
// connection health.
func (m *Manager) deliver(frame []byte) {
	var msg events.Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type == "" {
		m.logger.Warn().
			Str("frame", truncate(string(frame), 120)).
			Msg("Dropping malformed realtime frame")
		return
	}
	m.buses.Realtime.Publish(msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
