package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mealsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRequiresServerURL(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  path: /tmp/x.db\n"))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  url: https://planner.example.com
  session: abc123
store:
  path: /tmp/planner.db
probe:
  interval: 45s
debounce: 250ms
log:
  level: debug
`)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://planner.example.com", s.Server.URL)
	assert.Equal(t, "abc123", s.Server.Session)
	assert.Equal(t, "/tmp/planner.db", s.Store.Path)
	assert.Equal(t, 45*time.Second, s.Probe.Interval)
	assert.Equal(t, 250*time.Millisecond, s.Debounce)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Zero(t, s.Probe.Timeout, "unset tunables stay zero so the engine defaults apply")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  url: https://file.example.com
`)
	t.Setenv("MEALSYNC_SERVER_URL", "https://env.example.com")
	t.Setenv("MEALSYNC_PROBE_TIMEOUT", "5s")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", s.Server.URL)
	assert.Equal(t, 5*time.Second, s.Probe.Timeout)
}

func TestEnvOnlyConfig(t *testing.T) {
	t.Setenv("MEALSYNC_SERVER_URL", "https://env-only.example.com")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env-only.example.com", s.Server.URL)
	assert.Equal(t, "info", s.Log.Level)
}
