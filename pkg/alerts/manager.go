package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/internal/telemetry"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

// DefaultPageTimeout bounds a single pager delivery
const DefaultPageTimeout = 30 * time.Second

// Plugin describes a configured pager.
type Plugin struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Match       []string `json:"match,omitempty"`
	Active      bool     `json:"active"`
}

type plugin struct {
	meta   Plugin
	filter *Filter
	pager  Pager
	active atomic.Bool
}

func (p *plugin) info() Plugin {
	m := p.meta
	m.Active = p.active.Load()
	return m
}

type ManagerConfig struct {
	Instance    string
	PageTimeout time.Duration
	Now         func() time.Time
}

// Manager is the single writer of the known-server set. It registers and
// forgets servers on behalf of the tracker and pages every active, matching
// pager when a server is deregistered.
type Manager struct {
	cfg ManagerConfig
	log *zap.Logger

	mu      sync.RWMutex
	servers model.ServerSet
	closed  bool

	pmu     sync.RWMutex
	plugins []*plugin

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg ManagerConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		log:     log,
		servers: model.NewServerSet(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *Manager) Register(s model.Server) model.Status {
	m.mu.Lock()
	added := m.servers.Add(s)
	n := len(m.servers)
	m.mu.Unlock()
	telemetry.KnownServers.Set(float64(n))

	if !added {
		return model.Failed(fmt.Sprintf("server %s was already registered", s.Name()))
	}
	m.log.Info("server added", zap.String("server", s.Name()), zap.String("type", s.Type))
	return model.OK(fmt.Sprintf("server %s added", s.Name()))
}

// UpdateServer replaces the record of an already registered server.
func (m *Manager) UpdateServer(s model.Server) model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.servers.Contains(s) {
		return model.Failed(fmt.Sprintf("server %s is not registered", s.Name()))
	}
	m.servers.Add(s)
	m.log.Debug("server updated", zap.String("server", s.Name()))
	return model.OK(fmt.Sprintf("server %s updated", s.Name()))
}

func (m *Manager) Forget(s model.Server) model.Status {
	if !m.remove(s) {
		return model.Failed(fmt.Sprintf("server %s was not a registered server", s.Name()))
	}
	m.log.Info("server forgotten", zap.String("server", s.Name()))
	return model.OK(fmt.Sprintf("server %s forgotten", s.Name()))
}

// Deregister removes s and pages about it. Pages are delivered in the
// background; Close waits for them.
func (m *Manager) Deregister(s model.Server) model.Status {
	if !m.remove(s) {
		m.log.Error("attempt to remove non-monitored server",
			zap.String("server", s.Name()), zap.String("address", s.Address.String()), zap.String("desc", s.Description))
		return model.Failed(fmt.Sprintf("server %s was not a registered server", s.Name()))
	}

	a := Alert{Server: s, Instance: m.cfg.Instance, At: m.cfg.Now().UTC()}
	targets := m.matching(s)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.log.Warn("shutting down, alert not sent", zap.String("server", s.Name()))
		return model.OK(fmt.Sprintf("server %s removed", s.Name()))
	}
	for _, p := range targets {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.page(p, a)
		}()
	}
	return model.OK(fmt.Sprintf("server %s removed", s.Name()))
}

func (m *Manager) remove(s model.Server) bool {
	m.mu.Lock()
	removed := m.servers.Remove(s)
	n := len(m.servers)
	m.mu.Unlock()
	telemetry.KnownServers.Set(float64(n))
	return removed
}

func (m *Manager) page(p *plugin, a Alert) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.PageTimeout)
	defer cancel()

	if err := p.pager.Page(ctx, a); err != nil {
		telemetry.Pages.WithLabelValues(p.meta.Name, "error").Inc()
		m.log.Error("page failed", zap.String("pager", p.meta.Name), zap.String("server", a.Server.Name()), zap.Error(err))
		return
	}
	telemetry.Pages.WithLabelValues(p.meta.Name, "ok").Inc()
	m.log.Info("page sent", zap.String("pager", p.meta.Name), zap.String("server", a.Server.Name()))
}

func (m *Manager) matching(s model.Server) []*plugin {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	var out []*plugin
	for _, p := range m.plugins {
		if p.active.Load() && p.filter.Match(s.Type) {
			out = append(out, p)
		}
	}
	return out
}

// RegisteredServers returns a copy of the known-server set.
func (m *Manager) RegisteredServers() model.ServerSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers.Clone()
}

// Server looks a registered server up by name.
func (m *Manager) Server(name string) (model.Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.servers {
		if s.Name() == name {
			return s, true
		}
	}
	return model.Server{}, false
}

// AddPager installs an active pager under meta.Name.
func (m *Manager) AddPager(meta Plugin, p Pager) error {
	if meta.Name == "" {
		return errors.New("pager name is required")
	}
	if p == nil {
		return errors.New("pager is required")
	}
	filter, err := NewFilter(meta.Match)
	if err != nil {
		return err
	}

	m.pmu.Lock()
	defer m.pmu.Unlock()
	for _, existing := range m.plugins {
		if existing.meta.Name == meta.Name {
			return fmt.Errorf("duplicate pager name: %s", meta.Name)
		}
	}
	pl := &plugin{meta: meta, filter: filter, pager: p}
	pl.active.Store(true)
	m.plugins = append(m.plugins, pl)
	m.log.Info("pager added", zap.String("pager", meta.Name), zap.String("type", meta.Type), zap.Strings("match", meta.Match))
	return nil
}

// LoadPagers builds and adds every configured pager. On error the pagers
// built by this call are closed.
func (m *Manager) LoadPagers(cfgs []config.PagerConfiguration) error {
	var added []string
	for _, c := range cfgs {
		err := func() error {
			p, err := NewPager(c, m.log)
			if err != nil {
				return err
			}
			meta := Plugin{Name: c.Name, Type: c.Type, Description: c.Description, Match: c.Match}
			if meta.Description == "" {
				if d, ok := p.(interface{ Description() string }); ok {
					meta.Description = d.Description()
				}
			}
			if err := m.AddPager(meta, p); err != nil {
				p.Close()
				return err
			}
			added = append(added, c.Name)
			return nil
		}()
		if err != nil {
			for _, name := range added {
				m.removePager(name)
			}
			return fmt.Errorf("failed to add pager %q: %w", c.Name, err)
		}
	}
	return nil
}

func (m *Manager) removePager(name string) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	for i, p := range m.plugins {
		if p.meta.Name == name {
			p.pager.Close()
			m.plugins = append(m.plugins[:i], m.plugins[i+1:]...)
			return
		}
	}
}

// Plugins lists the configured pagers in the order they were added.
func (m *Manager) Plugins() []Plugin {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	out := make([]Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p.info())
	}
	return out
}

func (m *Manager) Plugin(name string) (Plugin, bool) {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	for _, p := range m.plugins {
		if p.meta.Name == name {
			return p.info(), true
		}
	}
	return Plugin{}, false
}

// SetActive activates or deactivates a pager without closing it.
func (m *Manager) SetActive(name string, active bool) bool {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	for _, p := range m.plugins {
		if p.meta.Name == name {
			p.active.Store(active)
			m.log.Info("pager state changed", zap.String("pager", name), zap.Bool("active", active))
			return true
		}
	}
	return false
}

// Close waits for in-flight pages, then closes every pager.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
	m.cancel()

	m.pmu.Lock()
	defer m.pmu.Unlock()
	var errs []error
	for _, p := range m.plugins {
		if err := p.pager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pager %s: %w", p.meta.Name, err))
		}
	}
	m.plugins = nil
	return errors.Join(errs...)
}
