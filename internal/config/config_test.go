package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
instance_id = "mon-1"

[coordination]
backend = "etcd"
hosts = ["10.0.0.1:2379", "10.0.0.2:2379"]
monitor_path = "/bs/hosts"
alerts_path = "/bs/alerts"

[alerts]
max_delay_ms = 250
persistent_markers = true

[http.users]
admin = "secret"

[[pager]]
name = "ops-mail"
type = "mandrill"
match = ["web*", "db"]
[pager.settings]
api_key = "k"
to = "ops@example.com"

[[pager]]
name = "audit"
type = "log"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "babysitter.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sample)
	c, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, path, c.Source)
	assert.Equal(t, "mon-1", c.InstanceID)
	assert.Equal(t, BackendEtcd, c.Coordination.Backend)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, c.Coordination.Hosts)
	assert.Equal(t, "/bs/hosts", c.Coordination.MonitorPath)
	assert.True(t, c.Alerts.PersistentMarkers)
	assert.Equal(t, 250, c.Alerts.MaxDelayMS)
	// untouched keys keep their defaults
	assert.Equal(t, 20, c.Alerts.MaxRetries)
	assert.Equal(t, ":8080", c.HTTP.Listen)
	assert.Equal(t, map[string]string{"admin": "secret"}, c.HTTP.Users)

	require.Len(t, c.Pagers, 2)
	assert.Equal(t, "mandrill", c.Pagers[0].Type)
	assert.Equal(t, []string{"web*", "db"}, c.Pagers[0].Match)
	assert.Equal(t, "ops@example.com", c.Pagers[0].Settings["to"])
	assert.Empty(t, c.Pagers[1].Settings)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.toml"), nil)
	require.NoError(t, err)
	assert.Empty(t, c.Source)
	assert.Equal(t, Default().Coordination, c.Coordination)
	assert.NotEmpty(t, c.InstanceID)
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load(writeConfig(t, "[coordination\nbackend="), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode config")
}

func TestFlagsAndEnvOverride(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-listen", ":9999", "-hosts", "a:2181, b:2181", "-verbose"}))

	t.Setenv("BABYSITTER_BACKEND", "memory")
	t.Setenv("BABYSITTER_INSTANCE_ID", "from-env")
	t.Setenv("BABYSITTER_MAX_DELAY_MS", "0")

	c, err := Load(writeConfig(t, sample), f)
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.HTTP.Listen)
	assert.Equal(t, []string{"a:2181", "b:2181"}, c.Coordination.Hosts)
	assert.True(t, c.Logging.Verbose)
	assert.Equal(t, BackendMemory, c.Coordination.Backend)
	assert.Equal(t, "from-env", c.InstanceID)
	assert.Zero(t, c.MaxDelay())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
		want   string
	}{
		{"defaults", func(*Configuration) {}, ""},
		{"memory needs no hosts", func(c *Configuration) {
			c.Coordination.Backend = BackendMemory
			c.Coordination.Hosts = nil
		}, ""},
		{"unknown backend", func(c *Configuration) { c.Coordination.Backend = "consul" }, "unknown coordination backend"},
		{"no hosts", func(c *Configuration) { c.Coordination.Hosts = nil }, "requires at least one host"},
		{"relative path", func(c *Configuration) { c.Coordination.MonitorPath = "hosts" }, "invalid monitor_path"},
		{"root path", func(c *Configuration) { c.Coordination.AlertsPath = "/" }, "invalid alerts_path"},
		{"same paths", func(c *Configuration) { c.Coordination.AlertsPath = c.Coordination.MonitorPath }, "must differ"},
		{"nested paths", func(c *Configuration) { c.Coordination.AlertsPath = "/monitor/hosts/alerts" }, "must not be nested"},
		{"negative delay", func(c *Configuration) { c.Alerts.MaxDelayMS = -1 }, "max delay"},
		{"zero session", func(c *Configuration) { c.Coordination.SessionTimeoutMS = 0 }, "session timeout"},
		{"empty password", func(c *Configuration) {
			c.HTTP.Users = map[string]string{"admin": ""}
		}, `http user "admin" needs a non-empty name and password`},
		{"log format", func(c *Configuration) { c.Logging.Format = "xml" }, "unknown log format"},
		{"unnamed pager", func(c *Configuration) {
			c.Pagers = []PagerConfiguration{{Type: "log"}}
		}, "requires a name and a type"},
		{"duplicate pager", func(c *Configuration) {
			c.Pagers = []PagerConfiguration{{Name: "p", Type: "log"}, {Name: "p", Type: "exec"}}
		}, "duplicate pager name: p"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
