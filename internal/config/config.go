// Package config loads engine settings from a YAML file and the
// environment. Environment variables win over the file; a .env file in
// the working directory is folded into the environment first.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces the engine's environment variables, e.g.
// MEALSYNC_SERVER_URL.
const EnvPrefix = "MEALSYNC"

// Settings is everything the engine and CLI need to start.
type Settings struct {
	Server struct {
		URL         string `yaml:"url"`
		CookieName  string `yaml:"cookie_name"`
		Session     string `yaml:"session"`
		BearerToken string `yaml:"bearer_token"`
	} `yaml:"server"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Probe struct {
		Timeout  time.Duration `yaml:"timeout"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"probe"`

	Stream struct {
		BackoffBase time.Duration `yaml:"backoff_base"`
		BackoffMax  time.Duration `yaml:"backoff_max"`
	} `yaml:"stream"`

	Debounce time.Duration `yaml:"debounce"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Defaults returns settings with every tunable at its built-in default.
// Zero durations mean "use the engine's default".
func Defaults() *Settings {
	s := &Settings{}
	s.Store.Path = defaultStorePath()
	s.Log.Level = "info"
	return s
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mealsync.db"
	}
	return home + "/.mealsync/mealsync.db"
}

// Load builds settings from defaults, then the YAML file at path (or
// $MEALSYNC_CONFIG when path is empty), then the environment.
func Load(path string) (*Settings, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	s := Defaults()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	s.applyEnv()

	if s.Server.URL == "" {
		return nil, fmt.Errorf("server URL is required: set server.url or %s_SERVER_URL", EnvPrefix)
	}
	return s, nil
}

// applyEnv overlays MEALSYNC_* environment variables onto the settings.
func (s *Settings) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setString := func(target *string, key string) {
		if val := v.GetString(key); val != "" {
			*target = val
		}
	}
	setDuration := func(target *time.Duration, key string) {
		if val := v.GetDuration(key); val > 0 {
			*target = val
		}
	}

	setString(&s.Server.URL, "server.url")
	setString(&s.Server.CookieName, "server.cookie_name")
	setString(&s.Server.Session, "server.session")
	setString(&s.Server.BearerToken, "server.bearer_token")
	setString(&s.Store.Path, "store.path")
	setString(&s.Log.Level, "log.level")
	setString(&s.Log.Format, "log.format")
	setDuration(&s.Probe.Timeout, "probe.timeout")
	setDuration(&s.Probe.Interval, "probe.interval")
	setDuration(&s.Stream.BackoffBase, "stream.backoff_base")
	setDuration(&s.Stream.BackoffMax, "stream.backoff_max")
	setDuration(&s.Debounce, "debounce")
}
