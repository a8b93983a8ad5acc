// Package alerts owns the known-server set and pages operators when a
// monitored server is evicted. Concrete pagers live in pkg/alerts/pager and
// register themselves by type.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

// Alert is a single eviction handed to every matching pager.
type Alert struct {
	Server   model.Server `json:"server"`
	Instance string       `json:"instance"` // monitor instance that won the silence
	At       time.Time    `json:"at"`
}

func (a Alert) Title() string {
	addr := a.Server.Address
	return fmt.Sprintf("Server %s [%s@%s] terminated unexpectedly", a.Server.Name(), addr.Hostname, addr.IP)
}

func (a Alert) Summary() string {
	return fmt.Sprintf("Server %s unexpectedly failed to communicate with the monitoring service at %s: last known payload was:<br><pre>%s</pre>",
		a.Server.Name(), a.At.Format(time.RFC1123), string(a.Server.Payload))
}

// Details is the indented server record.
func (a Alert) Details() string {
	b, err := json.MarshalIndent(a.Server, "", "  ")
	if err != nil {
		return a.Server.String()
	}
	return string(b)
}

// Pager delivers alerts to some external party.
type Pager interface {
	Page(ctx context.Context, a Alert) error
	Close() error
}

// PagerFactory builds a pager from its [[pager]] section.
type PagerFactory func(cfg config.PagerConfiguration, log *zap.Logger) (Pager, error)

var (
	pagerFactories = make(map[string]PagerFactory)
	factoryMu      sync.RWMutex
)

// RegisterPager makes a pager type available to LoadPagers. It is meant to
// be called from init; registering a type twice replaces the factory.
func RegisterPager(pagerType string, factory PagerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	pagerFactories[pagerType] = factory
}

// PagerTypes lists the registered pager types.
func PagerTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(pagerFactories))
	for t := range pagerFactories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NewPager builds a pager of cfg.Type.
func NewPager(cfg config.PagerConfiguration, log *zap.Logger) (Pager, error) {
	factoryMu.RLock()
	factory, ok := pagerFactories[cfg.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown pager type: %s", cfg.Type)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return factory(cfg, log.With(zap.String("pager", cfg.Name)))
}
