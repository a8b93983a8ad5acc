package membership

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/telemetry"
	"github.com/ryandielhenn/babysitter/pkg/coord"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

const (
	// Default upper bound of the delay between observing an eviction and
	// racing to silence it
	DefaultMaxDelay = 5 * time.Second
	// Default first wait before restarting a failed children watch
	DefaultRestartInitial = 200 * time.Millisecond
	// Default cap of the watch restart backoff
	DefaultRestartMax = 30 * time.Second
)

// TrackerConfig sets the paths, eviction delay and retry bounds of a Tracker.
type TrackerConfig struct {
	Paths          Paths
	MaxDelay       time.Duration // jitter bound before silencing; 0 silences at once
	Persistent     bool          // mode of markers created on eviction
	RequestTimeout time.Duration
	RestartInitial time.Duration
	RestartMax     time.Duration
}

type TrackerOption func(*Tracker)

// WithDelay replaces the uniform jitter drawn from [0, MaxDelay].
func WithDelay(fn func() time.Duration) TrackerOption {
	return func(t *Tracker) { t.delay = fn }
}

// Tracker keeps a watch on the monitor subtree, diffs every child-set
// change against the registration listener's known servers and hands the
// evictions to the Arbiter after a jittered delay.
type Tracker struct {
	store   coord.Store
	cfg     TrackerConfig
	reg     RegistrationListener
	arbiter *Arbiter
	log     *zap.Logger
	delay   func() time.Duration

	// cycle serializes diff-and-dispatch cycles
	cycle sync.Mutex
	watch <-chan coord.Event

	pending *xsync.MapOf[string, *pendingSilence]
	members *xsync.MapOf[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	sched  *scheduler
}

type pendingSilence struct {
	server model.Server
	timer  *time.Timer
}

// NewTracker wires a tracker to the arbiter deciding alert ownership. The
// tracker becomes the arbiter's member watcher unless one was set.
func NewTracker(store coord.Store, reg RegistrationListener, arbiter *Arbiter, cfg TrackerConfig, log *zap.Logger, opts ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("coordination store is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registration listener is required")
	}
	if arbiter == nil {
		return nil, fmt.Errorf("arbiter is required")
	}
	if cfg.Paths.Monitor == "" || cfg.Paths.Alerts == "" {
		return nil, fmt.Errorf("monitor and alerts paths are required")
	}
	if cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("max delay must not be negative")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RestartInitial <= 0 {
		cfg.RestartInitial = DefaultRestartInitial
	}
	if cfg.RestartMax <= 0 {
		cfg.RestartMax = DefaultRestartMax
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		store:   store,
		cfg:     cfg,
		reg:     reg,
		arbiter: arbiter,
		log:     log,
		pending: xsync.NewMapOf[string, *pendingSilence](),
		members: xsync.NewMapOf[string, struct{}](),
		ctx:     ctx,
		cancel:  cancel,
		sched:   newScheduler(),
	}
	t.delay = func() time.Duration {
		if t.cfg.MaxDelay <= 0 {
			return 0
		}
		return rand.N(t.cfg.MaxDelay + 1)
	}
	for _, o := range opts {
		o(t)
	}
	if arbiter.watcher == nil {
		arbiter.watcher = t
	}
	return t, nil
}

// Start creates the monitor and alerts subtrees if needed and runs the
// first cycle, registering every member already present.
func (t *Tracker) Start(ctx context.Context) error {
	for _, p := range []string{t.cfg.Paths.Monitor, t.cfg.Paths.Alerts} {
		if err := coord.EnsurePath(ctx, t.store, p); err != nil {
			return err
		}
	}
	w, err := t.OnChildrenChanged(ctx)
	if err != nil {
		return err
	}
	t.cycle.Lock()
	t.watch = w
	t.cycle.Unlock()

	known := t.reg.RegisteredServers()
	t.log.Info("tracker started", zap.Int("servers", len(known)), zap.Strings("names", known.Names()))
	return nil
}

// Run follows the children watch until ctx is done or the session is gone.
// A failed re-read restarts the watch with backoff and a full resync.
func (t *Tracker) Run(ctx context.Context) error {
	t.cycle.Lock()
	w := t.watch
	t.cycle.Unlock()

	restarts := 0
	for {
		if w == nil {
			var err error
			w, err = t.OnChildrenChanged(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if code := coord.CodeOf(err); code == coord.SessionExpired || errors.Is(err, coord.ErrClosed) {
					return err
				}
				telemetry.WatchRestarts.Inc()
				d := backoff(t.cfg.RestartInitial, t.cfg.RestartMax, restarts)
				restarts++
				t.log.Error("children watch lost, restarting", zap.Duration("in", d), zap.Error(err))
				timer := time.NewTimer(d)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
				continue
			}
			restarts = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w:
			w = nil
			if !ok {
				continue
			}
			switch ev.Type {
			case coord.EventChildrenChanged:
				t.log.Debug("members changed", zap.String("path", ev.Path))
			case coord.EventWatchLost:
				if code := coord.CodeOf(ev.Err); code == coord.SessionExpired || errors.Is(ev.Err, coord.ErrClosed) {
					return ev.Err
				}
				telemetry.WatchRestarts.Inc()
				t.log.Warn("children watch lost", zap.Error(ev.Err))
			default:
				t.log.Warn("unexpected event on monitor path", zap.Stringer("type", ev.Type), zap.String("path", ev.Path))
			}
		}
	}
}

// OnChildrenChanged re-reads the members, re-arming the children watch,
// and dispatches the diff against the known servers. Additions are applied
// before removals.
func (t *Tracker) OnChildrenChanged(ctx context.Context) (<-chan coord.Event, error) {
	t.cycle.Lock()
	defer t.cycle.Unlock()

	names, w, err := t.store.Children(ctx, t.cfg.Paths.Monitor, true)
	if err != nil {
		telemetry.MembershipCycles.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read members of %s: %w", t.cfg.Paths.Monitor, err)
	}
	known := t.reg.RegisteredServers()
	d := ComputeDiff(known, names, func(name string) (model.Server, bool) {
		s, err := t.ServerInfo(ctx, name)
		return s, err == nil
	})
	if !d.Empty() {
		t.log.Debug("members diff",
			zap.Strings("members", names),
			zap.Strings("added", d.Added.Names()),
			zap.Strings("removed", d.Removed.Names()))
	}

	for _, s := range d.Added.Slice() {
		t.cancelPending(s.Name())
		telemetry.MembershipChanges.WithLabelValues("added").Inc()
		if st := t.reg.Register(s); !st.IsOK() {
			t.log.Warn("registration rejected", zap.String("server", s.Name()), zap.String("status", st.Message))
		}
		t.arbiter.RemoveSilence(s)
	}
	// a member that came back before its silence fired is steady again
	for _, s := range known {
		if d.Removed.Contains(s) {
			continue
		}
		if t.cancelPending(s.Name()) {
			t.log.Info("server returned, eviction cancelled", zap.String("server", s.Name()))
			t.arbiter.RemoveSilence(s)
		}
	}
	for _, s := range d.Removed.Slice() {
		telemetry.MembershipChanges.WithLabelValues("removed").Inc()
		t.schedule(s)
	}

	telemetry.MembershipCycles.WithLabelValues("ok").Inc()
	return w, nil
}

// schedule arranges for s to be silenced after the jitter delay. A server
// already pending is left alone.
func (t *Tracker) schedule(s model.Server) {
	name := s.Name()
	d := t.delay()
	scheduled := false
	t.pending.Compute(name, func(old *pendingSilence, loaded bool) (*pendingSilence, bool) {
		if loaded {
			return old, false
		}
		ps := &pendingSilence{server: s}
		ps.timer = t.sched.after(d, func() { t.expire(name, ps) })
		if ps.timer == nil {
			return nil, true
		}
		scheduled = true
		return ps, false
	})
	if scheduled {
		telemetry.PendingSilences.Inc()
		t.log.Info("server evicted, silence pending", zap.String("server", name), zap.Duration("delay", d))
	}
}

func (t *Tracker) expire(name string, ps *pendingSilence) {
	mine := false
	t.pending.Compute(name, func(old *pendingSilence, loaded bool) (*pendingSilence, bool) {
		if loaded && old == ps {
			mine = true
			return nil, true
		}
		return old, !loaded
	})
	if !mine {
		return
	}
	telemetry.PendingSilences.Dec()

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RequestTimeout)
	_, back, _, err := t.store.Exists(ctx, t.cfg.Paths.MonitorPath(name), false)
	cancel()
	if err != nil {
		t.log.Warn("member re-check failed, silencing anyway", zap.String("server", name), zap.Error(err))
	}
	if err == nil && back {
		t.log.Info("server returned before silence", zap.String("server", name))
		t.arbiter.RemoveSilence(ps.server)
		return
	}

	st := t.arbiter.Silence(ps.server, t.cfg.Persistent)
	t.log.Debug("silence attempted", zap.String("server", name), zap.Stringer("status", st))
}

// cancelPending drops the pending silence of name, if any.
func (t *Tracker) cancelPending(name string) bool {
	ps, ok := t.pending.LoadAndDelete(name)
	if !ok {
		return false
	}
	t.sched.stop(ps.timer)
	telemetry.PendingSilences.Dec()
	return true
}

// Pending returns the names waiting out the jitter delay.
func (t *Tracker) Pending() []string {
	var names []string
	t.pending.Range(func(name string, _ *pendingSilence) bool {
		names = append(names, name)
		return true
	})
	return names
}

// ServerInfo reads and decodes the record of one member. Decode failures
// are logged with the raw payload; the member may run incompatible software.
func (t *Tracker) ServerInfo(ctx context.Context, name string) (model.Server, error) {
	path := t.cfg.Paths.MonitorPath(name)
	data, stat, _, err := t.store.Get(ctx, path, false)
	if err != nil {
		t.log.Warn("cannot read member", zap.String("path", path), zap.Error(err))
		return model.Server{}, fmt.Errorf("read %s: %w", path, err)
	}
	s, err := model.DecodeServer(data)
	if err != nil {
		t.log.Error("cannot decode member record",
			zap.String("path", path),
			zap.ByteString("payload", data),
			zap.Error(err))
		return model.Server{}, err
	}
	if s.Name() != coord.Base(path) {
		t.log.Warn("member record hostname differs from node name",
			zap.String("path", path), zap.String("hostname", s.Name()))
		s.Address.Hostname = coord.Base(path)
	}
	t.log.Debug("member record", zap.Stringer("server", s), zap.Int64("version", stat.Version))
	return s, nil
}

// OnNodeDataChanged re-arms the member watch and forwards the updated
// record to the registration listener. The watch is armed before the read
// so no later update is missed.
func (t *Tracker) OnNodeDataChanged(ctx context.Context, path string) {
	name := coord.Base(path)
	t.WatchMember(name)
	if s, err := t.ServerInfo(ctx, name); err == nil {
		telemetry.MembershipChanges.WithLabelValues("updated").Inc()
		if st := t.reg.UpdateServer(s); !st.IsOK() {
			t.log.Debug("update rejected", zap.String("server", name), zap.String("status", st.Message))
		}
	}
}

// WatchMember arms the data watch on a member unless one is already armed.
func (t *Tracker) WatchMember(name string) {
	if _, loaded := t.members.LoadOrStore(name, struct{}{}); loaded {
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RequestTimeout)
	_, _, w, err := t.store.Get(ctx, t.cfg.Paths.MonitorPath(name), true)
	cancel()
	if err != nil {
		t.members.Delete(name)
		if !errors.Is(err, coord.ErrNoNode) {
			t.log.Warn("cannot watch member", zap.String("server", name), zap.Error(err))
		}
		return
	}
	if !t.sched.spawn(func() { t.followMember(name, w) }) {
		t.members.Delete(name)
	}
}

func (t *Tracker) followMember(name string, w <-chan coord.Event) {
	select {
	case <-t.ctx.Done():
		return
	case ev, ok := <-w:
		t.members.Delete(name)
		if !ok {
			return
		}
		switch ev.Type {
		case coord.EventDataChanged:
			t.OnNodeDataChanged(t.ctx, ev.Path)
		case coord.EventDeleted:
			// the children watch sees the removal
		case coord.EventWatchLost:
			t.log.Debug("member watch lost", zap.String("server", name), zap.Error(ev.Err))
		}
	}
}

// Deregister removes a member on request. The marker is claimed first, so
// the eviction that follows is silenced on every instance.
func (t *Tracker) Deregister(ctx context.Context, name string) model.Status {
	path := t.cfg.Paths.MonitorPath(name)
	data, _, _, err := t.store.Get(ctx, path, false)
	if errors.Is(err, coord.ErrNoNode) {
		return model.Failed(fmt.Sprintf("server %s does not exist", name))
	}
	if err != nil {
		return model.Failed(fmt.Sprintf("cannot read server %s: %v", name, err))
	}
	s, err := model.DecodeServer(data)
	if err != nil {
		s = model.Server{Address: model.ServerAddress{Hostname: coord.Base(path)}}
	}

	if err := t.arbiter.Claim(ctx, s); err != nil {
		return model.Failed(fmt.Sprintf("cannot claim alert for %s: %v", name, err))
	}
	if err := t.store.Delete(ctx, path, coord.AnyVersion); err != nil && !errors.Is(err, coord.ErrNoNode) {
		return model.Failed(fmt.Sprintf("cannot remove server %s: %v", name, err))
	}
	t.log.Info("server deregistered on request", zap.String("server", coord.Base(path)))
	return model.OK(fmt.Sprintf("server %s removed", coord.Base(path)))
}

// Close stops pending silences and member watches.
func (t *Tracker) Close() {
	t.cancel()
	t.pending.Range(func(name string, _ *pendingSilence) bool {
		t.cancelPending(name)
		return true
	})
	t.sched.close()
}
