package mealsync

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tablewise/mealsync/internal/connectivity"
	"github.com/tablewise/mealsync/internal/stream"
	"github.com/tablewise/mealsync/internal/transport"
)

// Option is a function that configures an Engine instance
type Option func(*config) error

// config collects everything an Engine needs before assembly.
type config struct {
	baseURL string
	auth    transport.Authenticator

	storePath string

	watcher    connectivity.NetworkWatcher
	httpClient *http.Client
	dialer     stream.Dialer

	logger   *zerolog.Logger
	registry prometheus.Registerer

	debounce      time.Duration
	probeTimeout  time.Duration
	probeInterval time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
}

func defaultConfig() *config {
	return &config{
		auth:      &transport.NoAuth{},
		storePath: ":memory:",
	}
}

// WithServer configures the backend base URL, e.g. "https://planner.example.com".
func WithServer(url string) Option {
	return func(c *config) error {
		c.baseURL = url
		return nil
	}
}

// WithSessionCookie authenticates with the backend's session cookie.
// An empty name uses the backend's default cookie name.
func WithSessionCookie(name, value string) Option {
	return func(c *config) error {
		c.auth = &transport.CookieAuth{Name: name, Value: value}
		return nil
	}
}

// WithBearerToken authenticates with a Bearer token instead of a
// session cookie.
func WithBearerToken(token string) Option {
	return func(c *config) error {
		c.auth = &transport.BearerAuth{Token: token}
		return nil
	}
}

// WithStorePath configures where the local durable store lives. The
// default is an in-memory store that does not survive restarts.
func WithStorePath(path string) Option {
	return func(c *config) error {
		c.storePath = path
		return nil
	}
}

// WithNetworkWatcher configures the OS-level link state source feeding
// the connectivity monitor.
func WithNetworkWatcher(w connectivity.NetworkWatcher) Option {
	return func(c *config) error {
		c.watcher = w
		return nil
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls and
// health probes. Mostly useful in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) error {
		c.httpClient = hc
		return nil
	}
}

// WithStreamDialer overrides how the realtime stream connects. The
// default dials a websocket against the configured server.
func WithStreamDialer(d stream.Dialer) Option {
	return func(c *config) error {
		c.dialer = d
		return nil
	}
}

// WithLogger configures the logger the engine and its components use.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

// WithMetricsRegistry registers the engine's Prometheus collectors on
// the given registry. Nil keeps metrics collection internal only.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(c *config) error {
		c.registry = reg
		return nil
	}
}

// WithDebounceWindow configures the per-record update coalescing window.
func WithDebounceWindow(d time.Duration) Option {
	return func(c *config) error {
		c.debounce = d
		return nil
	}
}

// WithProbeTimeout configures the health probe request timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.probeTimeout = d
		return nil
	}
}

// WithProbeInterval configures how often the monitor probes while the
// network link is up.
func WithProbeInterval(d time.Duration) Option {
	return func(c *config) error {
		c.probeInterval = d
		return nil
	}
}

// WithStreamBackoff configures the reconnect backoff range for the
// realtime stream.
func WithStreamBackoff(base, max time.Duration) Option {
	return func(c *config) error {
		c.backoffBase = base
		c.backoffMax = max
		return nil
	}
}
