package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/pkg/coord"
)

// zapPrinter feeds the zk client's own logging into zap.
type zapPrinter struct{ log *zap.SugaredLogger }

func (p zapPrinter) Printf(format string, args ...any) {
	p.log.Debugf(format, args...)
}

// ZooKeeper is a coord.Store backed by a ZooKeeper session. Once the session
// expires the store stays expired: every call fails with
// coord.ErrSessionExpired and a new store must be opened.
type ZooKeeper struct {
	conn *zk.Conn
	log  *zap.Logger

	expired  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	connOnce sync.Once
	wg       sync.WaitGroup
}

var _ coord.Store = (*ZooKeeper)(nil)

// DialZooKeeper connects to hosts and waits until a session is established
// or ctx ends.
func DialZooKeeper(ctx context.Context, hosts []string, sessionTimeout time.Duration, log *zap.Logger) (*ZooKeeper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	servers := make([]string, 0, len(hosts))
	for _, h := range hosts {
		servers = append(servers, NormalizeHostPort(h, "2181"))
	}
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zapPrinter{log.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	z := &ZooKeeper{conn: conn, log: log, done: make(chan struct{})}
	ready := make(chan struct{})
	z.wg.Add(1)
	go z.session(events, ready)

	select {
	case <-ready:
		log.Info("zookeeper session established", zap.Strings("servers", servers), zap.Int64("session", conn.SessionID()))
		return z, nil
	case <-ctx.Done():
		z.Close()
		return nil, fmt.Errorf("zookeeper session not established: %w", ctx.Err())
	}
}

func (z *ZooKeeper) session(events <-chan zk.Event, ready chan struct{}) {
	defer z.wg.Done()
	var once sync.Once
	for {
		select {
		case <-z.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.State {
			case zk.StateHasSession:
				once.Do(func() { close(ready) })
			case zk.StateDisconnected:
				z.log.Warn("zookeeper disconnected")
			case zk.StateExpired:
				if z.expired.CompareAndSwap(false, true) {
					z.log.Error("zookeeper session expired")
					// the client would silently start a fresh session
					go z.closeConn()
				}
			}
		}
	}
}

func (z *ZooKeeper) check(ctx context.Context) error {
	if z.expired.Load() {
		return coord.ErrSessionExpired
	}
	if z.closed.Load() {
		return coord.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (z *ZooKeeper) Children(ctx context.Context, path string, watch bool) ([]string, <-chan coord.Event, error) {
	if err := z.check(ctx); err != nil {
		return nil, nil, err
	}
	if !watch {
		names, _, err := z.conn.Children(path)
		return names, nil, z.mapErr("children", path, err)
	}
	names, _, ch, err := z.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, z.mapErr("children", path, err)
	}
	return names, z.relay(ch), nil
}

func (z *ZooKeeper) Get(ctx context.Context, path string, watch bool) ([]byte, coord.Stat, <-chan coord.Event, error) {
	if err := z.check(ctx); err != nil {
		return nil, coord.Stat{}, nil, err
	}
	if !watch {
		data, st, err := z.conn.Get(path)
		if err != nil {
			return nil, coord.Stat{}, nil, z.mapErr("get", path, err)
		}
		return data, zkStat(st), nil, nil
	}
	data, st, ch, err := z.conn.GetW(path)
	if err != nil {
		return nil, coord.Stat{}, nil, z.mapErr("get", path, err)
	}
	return data, zkStat(st), z.relay(ch), nil
}

func (z *ZooKeeper) Exists(ctx context.Context, path string, watch bool) (coord.Stat, bool, <-chan coord.Event, error) {
	if err := z.check(ctx); err != nil {
		return coord.Stat{}, false, nil, err
	}
	if !watch {
		ok, st, err := z.conn.Exists(path)
		if err != nil {
			return coord.Stat{}, false, nil, z.mapErr("exists", path, err)
		}
		return zkStat(st), ok, nil, nil
	}
	ok, st, ch, err := z.conn.ExistsW(path)
	if err != nil {
		return coord.Stat{}, false, nil, z.mapErr("exists", path, err)
	}
	return zkStat(st), ok, z.relay(ch), nil
}

func (z *ZooKeeper) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	if err := z.check(ctx); err != nil {
		return "", err
	}
	var flags int32
	if mode == coord.Ephemeral {
		flags = zk.FlagEphemeral
	}
	created, err := z.conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
	return created, z.mapErr("create", path, err)
}

func (z *ZooKeeper) Set(ctx context.Context, path string, data []byte, version int64) (coord.Stat, error) {
	if err := z.check(ctx); err != nil {
		return coord.Stat{}, err
	}
	st, err := z.conn.Set(path, data, int32(version))
	if err != nil {
		return coord.Stat{}, z.mapErr("set", path, err)
	}
	return zkStat(st), nil
}

func (z *ZooKeeper) Delete(ctx context.Context, path string, version int64) error {
	if err := z.check(ctx); err != nil {
		return err
	}
	return z.mapErr("delete", path, z.conn.Delete(path, int32(version)))
}

func (z *ZooKeeper) Close() error {
	if !z.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(z.done)
	z.closeConn()
	z.wg.Wait()
	return nil
}

func (z *ZooKeeper) closeConn() {
	z.connOnce.Do(z.conn.Close)
}

// relay turns a zk watch into a coord watch.
func (z *ZooKeeper) relay(in <-chan zk.Event) <-chan coord.Event {
	out := make(chan coord.Event, 1)
	go func() {
		defer close(out)
		ev, ok := <-in
		if !ok {
			out <- coord.Event{Type: coord.EventWatchLost, Err: coord.ErrConnectionLoss}
			return
		}
		out <- z.translate(ev)
	}()
	return out
}

func (z *ZooKeeper) translate(ev zk.Event) coord.Event {
	switch ev.Type {
	case zk.EventNodeChildrenChanged:
		return coord.Event{Type: coord.EventChildrenChanged, Path: ev.Path}
	case zk.EventNodeDataChanged:
		return coord.Event{Type: coord.EventDataChanged, Path: ev.Path}
	case zk.EventNodeCreated:
		return coord.Event{Type: coord.EventCreated, Path: ev.Path}
	case zk.EventNodeDeleted:
		return coord.Event{Type: coord.EventDeleted, Path: ev.Path}
	}
	cause := coord.ErrConnectionLoss
	switch {
	case z.expired.Load(), ev.State == zk.StateExpired, errors.Is(ev.Err, zk.ErrSessionExpired):
		cause = coord.ErrSessionExpired
	case z.closed.Load():
		cause = coord.ErrClosed
	}
	return coord.Event{Type: coord.EventWatchLost, Path: ev.Path, Err: cause}
}

func (z *ZooKeeper) mapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch {
	case errors.Is(err, zk.ErrNoNode):
		sentinel = coord.ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		sentinel = coord.ErrNodeExists
	case errors.Is(err, zk.ErrBadVersion):
		sentinel = coord.ErrBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		sentinel = coord.ErrNotEmpty
	case errors.Is(err, zk.ErrSessionExpired):
		sentinel = coord.ErrSessionExpired
	case errors.Is(err, zk.ErrClosing):
		if z.expired.Load() {
			sentinel = coord.ErrSessionExpired
		} else {
			sentinel = coord.ErrClosed
		}
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer):
		sentinel = coord.ErrConnectionLoss
	default:
		return fmt.Errorf("zk %s %s: %w", op, path, err)
	}
	return fmt.Errorf("zk %s %s: %w", op, path, sentinel)
}

func zkStat(st *zk.Stat) coord.Stat {
	if st == nil {
		return coord.Stat{}
	}
	return coord.Stat{Version: int64(st.Version), Ephemeral: st.EphemeralOwner != 0}
}
