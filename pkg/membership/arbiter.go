package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/telemetry"
	"github.com/ryandielhenn/babysitter/pkg/coord"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

const (
	// Default initial delay before retrying after connection loss
	DefaultRetryInitial = 100 * time.Millisecond
	// Default cap of the exponential retry backoff
	DefaultRetryMax = 10 * time.Second
	// Default number of retries before an operation is abandoned
	DefaultMaxRetries = 20
	// Default bound on a single store request
	DefaultRequestTimeout = 5 * time.Second

	lockStripes = 64
)

// FatalHandler is called when the arbiter can no longer tell whether it has
// already alerted. It is expected not to return.
type FatalHandler func(err error)

// ArbiterConfig configures the alert ownership arbiter.
type ArbiterConfig struct {
	Paths          Paths
	InstanceID     string        // written into markers this instance creates
	Persistent     bool          // mode of markers created by Claim
	RetryInitial   time.Duration // first retry delay after connection loss
	RetryMax       time.Duration // backoff cap
	MaxRetries     int           // retries before giving up
	RequestTimeout time.Duration // bound on each store request
}

// Arbiter decides, through atomic marker creation in the alerts subtree,
// which monitor instance alerts for an eviction.
type Arbiter struct {
	store   coord.Store
	cfg     ArbiterConfig
	reg     RegistrationListener
	evict   EvictionListener
	watcher MemberWatcher
	log     *zap.Logger
	fatal   FatalHandler
	now     func() time.Time

	// silence and unsilence of one server are serialized on its stripe
	locks [lockStripes]sync.Mutex
	// bumped by every Silence and RemoveSilence; retries carrying an older
	// epoch are stale and dropped
	epochs *xsync.MapOf[string, uint64]
	// the unresolved silence of each server; a second Silence joins it
	inflight *xsync.MapOf[string, *claim]

	ctx    context.Context
	cancel context.CancelFunc
	sched  *scheduler
}

type ArbiterOption func(*Arbiter)

// WithFatalHandler replaces the default handler, which logs at Fatal level
// and exits.
func WithFatalHandler(h FatalHandler) ArbiterOption {
	return func(a *Arbiter) { a.fatal = h }
}

// WithMemberWatcher sets who re-arms member watches after RemoveSilence.
// NewTracker installs itself.
func WithMemberWatcher(w MemberWatcher) ArbiterOption {
	return func(a *Arbiter) { a.watcher = w }
}

func NewArbiter(store coord.Store, l Listener, cfg ArbiterConfig, log *zap.Logger, opts ...ArbiterOption) (*Arbiter, error) {
	if store == nil {
		return nil, fmt.Errorf("coordination store is required")
	}
	if l == nil {
		return nil, fmt.Errorf("listener is required")
	}
	if cfg.Paths.Alerts == "" {
		return nil, fmt.Errorf("alerts path is required")
	}
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Arbiter{
		store:    store,
		cfg:      cfg,
		reg:      l,
		evict:    l,
		log:      log,
		now:      time.Now,
		epochs:   xsync.NewMapOf[string, uint64](),
		inflight: xsync.NewMapOf[string, *claim](),
		ctx:      ctx,
		cancel:   cancel,
		sched:    newScheduler(),
	}
	a.fatal = func(err error) {
		a.log.Fatal("coordination session expired, cannot tell whether alert was sent", zap.Error(err))
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// claim is one logical silence, carried across its retries.
type claim struct {
	server     model.Server
	persistent bool
	epoch      uint64
	attempt    int
	marker     Marker
}

// Silence races to create the alert marker for s. If this instance creates
// it, the eviction listener is told exactly once; if the marker exists or
// the create loses, s is forgotten without alerting. The returned status
// does not say which happened. While an earlier silence of s is still
// unresolved, for instance backing off after connection loss, the call
// joins it instead of starting a new race.
func (a *Arbiter) Silence(s model.Server, persistent bool) model.Status {
	name := s.Name()
	c := &claim{
		server:     s,
		persistent: persistent,
		marker:     Marker{Server: name, Owner: a.cfg.InstanceID, ClaimedAt: a.now().UTC()},
	}
	if _, loaded := a.inflight.LoadOrStore(name, c); loaded {
		a.log.Info("silence already in flight", zap.String("server", name))
		return model.OK(name + " silence in progress")
	}
	c.epoch = a.bump(name)
	return a.silence(c)
}

// settle marks c resolved so the next Silence starts a new race.
func (a *Arbiter) settle(c *claim) {
	a.inflight.Compute(c.server.Name(), func(old *claim, loaded bool) (*claim, bool) {
		if loaded && old == c {
			return nil, true
		}
		return old, !loaded
	})
}

// supersede drops any unresolved silence of name; its retries turn stale.
func (a *Arbiter) supersede(name string) uint64 {
	a.inflight.Delete(name)
	return a.bump(name)
}

func (a *Arbiter) silence(c *claim) model.Status {
	name := c.server.Name()
	path := a.cfg.Paths.AlertPath(name)
	log := a.log.With(zap.String("server", name), zap.Int("attempt", c.attempt))

	mu := a.lockFor(name)
	mu.Lock()
	if a.stale(name, c.epoch) {
		mu.Unlock()
		a.settle(c)
		log.Info("silence superseded")
		return model.OK(name + " silence superseded")
	}

	ctx, cancel := a.request()
	_, exists, _, err := a.store.Exists(ctx, path, false)
	cancel()
	if err != nil {
		mu.Unlock()
		switch coord.CodeOf(err) {
		case coord.SessionExpired:
			a.settle(c)
			telemetry.SilenceAttempts.WithLabelValues("failed").Inc()
			a.fatal(fmt.Errorf("silence %s: %w", path, err))
			return model.Failed(fmt.Sprintf("session expired while silencing %s", name))
		case coord.ConnectionLoss:
			a.retrySilence(log, c, err)
		default:
			a.settle(c)
			telemetry.SilenceAttempts.WithLabelValues("failed").Inc()
			log.Warn("marker existence check failed", zap.String("path", path), zap.Error(err))
		}
		return model.Failed(fmt.Sprintf("failed to check marker for %s: %v", name, err))
	}

	if exists {
		won := c.attempt > 0 && a.ownsMarker(path, c.marker)
		mu.Unlock()
		a.settle(c)
		if won {
			a.won(log, c.server)
		} else {
			a.lost(log, c.server, "marker already present")
		}
		return model.OK(name + " silenced")
	}

	data, err := EncodeMarker(c.marker)
	if err != nil {
		// existence is what counts; create without a payload
		log.Warn("marker payload dropped", zap.Error(err))
	}
	mode := coord.Ephemeral
	if c.persistent {
		mode = coord.Persistent
	}
	ctx, cancel = a.request()
	fut := coord.CreateAsync(ctx, a.store, path, data, mode)
	complete := func() {
		_, err := fut.Get()
		cancel()
		mu.Unlock()
		a.created(log, c, path, err)
	}
	if !a.sched.spawn(complete) {
		complete()
	}
	return model.OK(name + " silenced")
}

func (a *Arbiter) created(log *zap.Logger, c *claim, path string, err error) {
	switch code := coord.CodeOf(err); code {
	case coord.OK:
		a.settle(c)
		a.won(log, c.server)
	case coord.NodeExists:
		// a create applied before the connection dropped comes back as
		// NODE_EXISTS on retry
		owned := c.attempt > 0 && a.ownsMarker(path, c.marker)
		a.settle(c)
		if owned {
			a.won(log, c.server)
			return
		}
		a.lost(log, c.server, "marker created by another instance")
	case coord.ConnectionLoss:
		a.retrySilence(log, c, err)
	default:
		a.settle(c)
		telemetry.SilenceAttempts.WithLabelValues("error").Inc()
		log.Error("unexpected marker create completion", zap.Stringer("code", code), zap.Error(err))
	}
}

func (a *Arbiter) retrySilence(log *zap.Logger, c *claim, cause error) {
	scheduled := a.retry(log, telemetry.SilenceAttempts, c.attempt, cause, func(next int) {
		c.attempt = next
		a.silence(c)
	})
	if !scheduled {
		a.settle(c)
	}
}

func (a *Arbiter) won(log *zap.Logger, s model.Server) {
	telemetry.SilenceAttempts.WithLabelValues("won").Inc()
	log.Info("won alert ownership")
	if st := a.evict.Deregister(s); !st.IsOK() {
		log.Error("eviction listener failed", zap.String("status", st.Message))
	}
}

func (a *Arbiter) lost(log *zap.Logger, s model.Server, why string) {
	telemetry.SilenceAttempts.WithLabelValues("lost").Inc()
	log.Info("lost alert ownership", zap.String("reason", why))
	a.reg.Forget(s)
}

// ownsMarker reports whether the marker at path is the one c wrote.
func (a *Arbiter) ownsMarker(path string, want Marker) bool {
	ctx, cancel := a.request()
	defer cancel()
	data, _, _, err := a.store.Get(ctx, path, false)
	if err != nil {
		return false
	}
	m, err := DecodeMarker(data)
	if err != nil {
		return false
	}
	return m.Owner == want.Owner && m.ClaimedAt.Equal(want.ClaimedAt) && !m.Planned
}

// RemoveSilence deletes the marker of s if one exists and re-arms the watch
// on the member node. Calling it with no marker present does nothing else.
func (a *Arbiter) RemoveSilence(s model.Server) {
	name := s.Name()
	a.unsilence(name, a.supersede(name), 0)
	if a.watcher != nil {
		a.watcher.WatchMember(name)
	}
}

func (a *Arbiter) unsilence(name string, epoch uint64, attempt int) {
	path := a.cfg.Paths.AlertPath(name)
	log := a.log.With(zap.String("server", name), zap.Int("attempt", attempt))
	again := func(next int) { a.unsilence(name, epoch, next) }

	mu := a.lockFor(name)
	mu.Lock()
	if a.stale(name, epoch) {
		mu.Unlock()
		return
	}
	ctx, cancel := a.request()
	stat, exists, _, err := a.store.Exists(ctx, path, false)
	cancel()
	if err != nil {
		mu.Unlock()
		if coord.CodeOf(err) == coord.ConnectionLoss {
			a.retry(log, telemetry.Unsilence, attempt, err, again)
			return
		}
		telemetry.Unsilence.WithLabelValues("error").Inc()
		log.Warn("marker existence check failed", zap.String("path", path), zap.Error(err))
		return
	}
	if !exists {
		mu.Unlock()
		telemetry.Unsilence.WithLabelValues("absent").Inc()
		return
	}

	ctx, cancel = a.request()
	fut := coord.DeleteAsync(ctx, a.store, path, stat.Version)
	complete := func() {
		_, err := fut.Get()
		cancel()
		mu.Unlock()
		switch code := coord.CodeOf(err); code {
		case coord.OK:
			telemetry.Unsilence.WithLabelValues("removed").Inc()
			log.Info("silence removed")
		case coord.NoNode:
			telemetry.Unsilence.WithLabelValues("absent").Inc()
			log.Debug("silence already gone")
		case coord.ConnectionLoss:
			a.retry(log, telemetry.Unsilence, attempt, err, again)
		default:
			// a stale marker only suppresses a later re-alert
			telemetry.Unsilence.WithLabelValues("error").Inc()
			log.Warn("unexpected marker delete completion", zap.Stringer("code", code), zap.Error(err))
		}
	}
	if !a.sched.spawn(complete) {
		complete()
	}
}

// Claim creates a planned marker for s without alerting, so the eviction
// that follows a planned shutdown is silenced on every instance. An existing
// marker counts as claimed.
func (a *Arbiter) Claim(ctx context.Context, s model.Server) error {
	name := s.Name()
	a.supersede(name)
	data, err := EncodeMarker(Marker{Server: name, Owner: a.cfg.InstanceID, ClaimedAt: a.now().UTC(), Planned: true})
	if err != nil {
		return err
	}
	mode := coord.Ephemeral
	if a.cfg.Persistent {
		mode = coord.Persistent
	}

	mu := a.lockFor(name)
	mu.Lock()
	defer mu.Unlock()
	_, err = a.store.Create(ctx, a.cfg.Paths.AlertPath(name), data, mode)
	if err != nil && !errors.Is(err, coord.ErrNodeExists) {
		return fmt.Errorf("claim %s: %w", name, err)
	}
	return nil
}

// Markers lists the current silence markers. Unreadable payloads are
// reported with only the server name set.
func (a *Arbiter) Markers(ctx context.Context) ([]Marker, error) {
	names, _, err := a.store.Children(ctx, a.cfg.Paths.Alerts, false)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	out := make([]Marker, 0, len(names))
	for _, name := range names {
		data, _, _, err := a.store.Get(ctx, a.cfg.Paths.AlertPath(name), false)
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read marker %s: %w", name, err)
		}
		m, err := DecodeMarker(data)
		if err != nil {
			m = Marker{}
		}
		m.Server = name
		out = append(out, m)
	}
	return out, nil
}

// retry schedules fn with the next attempt number after a backoff. It
// reports false once MaxRetries is reached or the arbiter is closed.
func (a *Arbiter) retry(log *zap.Logger, outcomes *prometheus.CounterVec, attempt int, cause error, fn func(next int)) bool {
	if attempt >= a.cfg.MaxRetries {
		outcomes.WithLabelValues("gave_up").Inc()
		log.Error("giving up after connection loss", zap.Int("retries", attempt), zap.Error(cause))
		return false
	}
	d := backoff(a.cfg.RetryInitial, a.cfg.RetryMax, attempt)
	if a.sched.after(d, func() { fn(attempt + 1) }) == nil {
		return false
	}
	outcomes.WithLabelValues("retry").Inc()
	log.Warn("connection lost, retry scheduled", zap.Duration("in", d), zap.Error(cause))
	return true
}

func (a *Arbiter) lockFor(name string) *sync.Mutex {
	return &a.locks[xxhash.Sum64String(name)%lockStripes]
}

func (a *Arbiter) bump(name string) uint64 {
	e, _ := a.epochs.Compute(name, func(old uint64, _ bool) (uint64, bool) {
		return old + 1, false
	})
	return e
}

func (a *Arbiter) stale(name string, epoch uint64) bool {
	e, _ := a.epochs.Load(name)
	return e != epoch
}

func (a *Arbiter) request() (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.ctx, a.cfg.RequestTimeout)
}

// Close stops pending retries and waits for outstanding completions.
func (a *Arbiter) Close() {
	a.cancel()
	a.sched.close()
}
