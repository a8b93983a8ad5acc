// Package config loads the monitor configuration from a TOML file, command
// line flags and BABYSITTER_* environment variables, in that order.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"

	"github.com/ryandielhenn/babysitter/pkg/coord"
)

// Backend names a coordination store implementation.
type Backend string

const (
	BackendZooKeeper Backend = "zookeeper"
	BackendEtcd      Backend = "etcd"
	BackendMemory    Backend = "memory" // in-process tree, single instance only
)

// CoordinationConfiguration selects and tunes the coordination store
type CoordinationConfiguration struct {
	Backend          Backend  `toml:"backend"`
	Hosts            []string `toml:"hosts"`
	SessionTimeoutMS int      `toml:"session_timeout_ms"`
	RequestTimeoutMS int      `toml:"request_timeout_ms"`
	MonitorPath      string   `toml:"monitor_path"` // children are the monitored servers
	AlertsPath       string   `toml:"alerts_path"`  // children are the silence markers
}

// AlertsConfiguration controls eviction arbitration
type AlertsConfiguration struct {
	MaxDelayMS        int  `toml:"max_delay_ms"`       // jitter bound before racing to silence
	PersistentMarkers bool `toml:"persistent_markers"` // markers survive this instance's session
	RetryInitialMS    int  `toml:"retry_initial_ms"`
	RetryMaxMS        int  `toml:"retry_max_ms"`
	MaxRetries        int  `toml:"max_retries"`
}

type HTTPConfiguration struct {
	Listen string `toml:"listen"`
	// basic auth credentials guarding the mutating routes, user = password
	Users map[string]string `toml:"users"`
}

type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // console or json
}

// PagerConfiguration declares one alert delivery plugin
type PagerConfiguration struct {
	Name        string            `toml:"name"`
	Type        string            `toml:"type"`
	Description string            `toml:"description"`
	Match       []string          `toml:"match"` // globs on the server type; empty matches all
	Settings    map[string]string `toml:"settings"`
}

type Configuration struct {
	InstanceID   string                    `toml:"instance_id"`
	Coordination CoordinationConfiguration `toml:"coordination"`
	Alerts       AlertsConfiguration       `toml:"alerts"`
	HTTP         HTTPConfiguration         `toml:"http"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Pagers       []PagerConfiguration      `toml:"pager"`

	Source string `toml:"-"` // file the configuration was read from, if any
}

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		Coordination: CoordinationConfiguration{
			Backend:          BackendZooKeeper,
			Hosts:            []string{"localhost:2181"},
			SessionTimeoutMS: 10000,
			RequestTimeoutMS: 5000,
			MonitorPath:      "/monitor/hosts",
			AlertsPath:       "/monitor/alerts",
		},
		Alerts: AlertsConfiguration{
			MaxDelayMS:     5000,
			RetryInitialMS: 100,
			RetryMaxMS:     10000,
			MaxRetries:     20,
		},
		HTTP: HTTPConfiguration{
			Listen: ":8080",
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
	}
}

// Flags are the command line overrides.
type Flags struct {
	ConfigPath *string
	Listen     *string
	Backend    *string
	Hosts      *string
	Verbose    *bool
}

func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		ConfigPath: fs.String("config", "babysitter.toml", "Path to configuration file"),
		Listen:     fs.String("listen", "", "HTTP listen address (overrides config)"),
		Backend:    fs.String("backend", "", "Coordination backend: zookeeper, etcd or memory (overrides config)"),
		Hosts:      fs.String("hosts", "", "Comma separated coordination hosts (overrides config)"),
		Verbose:    fs.Bool("verbose", false, "Debug logging"),
	}
}

// Load reads path on top of the defaults, then applies flags and the
// environment. A missing file leaves the defaults in place and Source empty.
func Load(path string, f *Flags) (*Configuration, error) {
	c := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, c); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
			c.Source = path
		}
	}

	if f != nil {
		if *f.Listen != "" {
			c.HTTP.Listen = *f.Listen
		}
		if *f.Backend != "" {
			c.Coordination.Backend = Backend(*f.Backend)
		}
		if *f.Hosts != "" {
			c.Coordination.Hosts = splitHosts(*f.Hosts)
		}
		if *f.Verbose {
			c.Logging.Verbose = true
		}
	}
	c.applyEnv()

	if c.InstanceID == "" {
		c.InstanceID = defaultInstanceID()
	}
	return c, nil
}

func (c *Configuration) applyEnv() {
	if v := os.Getenv("BABYSITTER_HOSTS"); v != "" {
		c.Coordination.Hosts = splitHosts(v)
	}
	if v := os.Getenv("BABYSITTER_BACKEND"); v != "" {
		c.Coordination.Backend = Backend(v)
	}
	if v := os.Getenv("BABYSITTER_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("BABYSITTER_MAX_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Alerts.MaxDelayMS = ms
		}
	}
}

func splitHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// defaultInstanceID derives a stable id from the machine id, suffixed with
// the pid so that several monitors on one host stay distinct.
func defaultInstanceID() string {
	id, err := machineid.ProtectedID("babysitter")
	if err != nil {
		id, err = os.Hostname()
		if err != nil {
			id = "babysitter"
		}
	} else if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("%s-%d", id, os.Getpid())
}

// Validate checks configuration for errors
func (c *Configuration) Validate() error {
	switch c.Coordination.Backend {
	case BackendZooKeeper, BackendEtcd:
		if len(c.Coordination.Hosts) == 0 {
			return fmt.Errorf("%s backend requires at least one host", c.Coordination.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown coordination backend: %q", c.Coordination.Backend)
	}

	monitor, alerts := c.Coordination.MonitorPath, c.Coordination.AlertsPath
	for name, p := range map[string]string{"monitor_path": monitor, "alerts_path": alerts} {
		if err := coord.ValidatePath(p); err != nil || p == "/" {
			return fmt.Errorf("invalid %s %q", name, p)
		}
	}
	if monitor == alerts {
		return fmt.Errorf("monitor_path and alerts_path must differ")
	}
	if strings.HasPrefix(alerts, monitor+"/") || strings.HasPrefix(monitor, alerts+"/") {
		return fmt.Errorf("monitor_path and alerts_path must not be nested")
	}

	if c.Coordination.SessionTimeoutMS < 1 {
		return fmt.Errorf("session timeout must be >= 1ms")
	}
	if c.Coordination.RequestTimeoutMS < 1 {
		return fmt.Errorf("request timeout must be >= 1ms")
	}
	if c.Alerts.MaxDelayMS < 0 {
		return fmt.Errorf("alerts max delay must be >= 0")
	}
	if c.Alerts.RetryInitialMS < 0 || c.Alerts.RetryMaxMS < 0 {
		return fmt.Errorf("alerts retry delays must be >= 0")
	}
	if c.Alerts.MaxRetries < 0 {
		return fmt.Errorf("alerts max retries must be >= 0")
	}

	for user, pass := range c.HTTP.Users {
		if user == "" || pass == "" {
			return fmt.Errorf("http user %q needs a non-empty name and password", user)
		}
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Pagers))
	for i, p := range c.Pagers {
		if p.Name == "" || p.Type == "" {
			return fmt.Errorf("pager #%d requires a name and a type", i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pager name: %s", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func (c *Configuration) SessionTimeout() time.Duration {
	return time.Duration(c.Coordination.SessionTimeoutMS) * time.Millisecond
}

func (c *Configuration) RequestTimeout() time.Duration {
	return time.Duration(c.Coordination.RequestTimeoutMS) * time.Millisecond
}

func (c *Configuration) MaxDelay() time.Duration {
	return time.Duration(c.Alerts.MaxDelayMS) * time.Millisecond
}
