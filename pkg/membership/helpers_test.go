package membership_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/pkg/coord"
	"github.com/ryandielhenn/babysitter/pkg/coord/memtree"
	"github.com/ryandielhenn/babysitter/pkg/membership"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

const (
	monitorBase = "/monitor/hosts"
	alertsBase  = "/monitor/alerts"
)

var paths = membership.Paths{Monitor: monitorBase, Alerts: alertsBase}

// recorder is an in-memory alerting subsystem.
type recorder struct {
	mu        sync.Mutex
	known     model.ServerSet
	updated   []model.Server
	evicted   []string
	forgotten []string
}

func newRecorder(servers ...model.Server) *recorder {
	return &recorder{known: model.NewServerSet(servers...)}
}

func (r *recorder) Register(s model.Server) model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known.Add(s) {
		return model.Failed(s.Name() + " already registered")
	}
	return model.OK(s.Name() + " added")
}

func (r *recorder) UpdateServer(s model.Server) model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known.Add(s)
	r.updated = append(r.updated, s)
	return model.OK("")
}

func (r *recorder) Forget(s model.Server) model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known.Remove(s)
	r.forgotten = append(r.forgotten, s.Name())
	return model.OK("")
}

func (r *recorder) RegisteredServers() model.ServerSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known.Clone()
}

func (r *recorder) Deregister(s model.Server) model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known.Remove(s) {
		return model.Failed(s.Name() + " not registered")
	}
	r.evicted = append(r.evicted, s.Name())
	return model.OK("")
}

func (r *recorder) evictions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.evicted...)
}

func (r *recorder) forgets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.forgotten...)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known.Names()
}

func (r *recorder) lastUpdate() (model.Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updated) == 0 {
		return model.Server{}, false
	}
	return r.updated[len(r.updated)-1], true
}

type watchRecorder struct {
	mu    sync.Mutex
	names []string
}

func (w *watchRecorder) WatchMember(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.names = append(w.names, name)
}

func (w *watchRecorder) watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.names...)
}

func server(name string) model.Server {
	s := model.NewServer(model.NewServerAddress(name, "10.0.0.7"), 8080, 5)
	s.Type = "web"
	s.Description = name + " test server"
	return s
}

func newTree(t *testing.T) (*memtree.Tree, *memtree.Session) {
	t.Helper()
	tree := memtree.New()
	admin := tree.Session()
	ctx := context.Background()
	require.NoError(t, coord.EnsurePath(ctx, admin, monitorBase))
	require.NoError(t, coord.EnsurePath(ctx, admin, alertsBase))
	return tree, admin
}

func newTestArbiter(t *testing.T, store coord.Store, l membership.Listener, id string, opts ...membership.ArbiterOption) *membership.Arbiter {
	t.Helper()
	a, err := membership.NewArbiter(store, l, membership.ArbiterConfig{
		Paths:        paths,
		InstanceID:   id,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   5,
	}, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}
