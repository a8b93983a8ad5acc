package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ryandielhenn/babysitter/pkg/coord"
)

func NewClient(endpoints []string, log *zap.Logger) (*clientv3.Client, error) {
	eps := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		eps = append(eps, NormalizeHostPort(ep, "2379"))
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   eps,
		DialTimeout: 5 * time.Second,
		Logger:      log,
	})
}

// Etcd maps the coordination tree onto etcd keys: a node is the key equal
// to its path, children are the keys one level below path + "/". Ephemeral
// nodes are bound to the lease of a concurrency.Session, so they vanish when
// the session's keepalives stop.
type Etcd struct {
	cli     *clientv3.Client
	session *concurrency.Session
	log     *zap.Logger

	ctx     context.Context // parent of every watch
	cancel  context.CancelFunc
	expired atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
}

var _ coord.Store = (*Etcd)(nil)

// OpenEtcd starts a lease session of the given ttl on cli. Close revokes the
// lease and closes cli.
func OpenEtcd(cli *clientv3.Client, ttl time.Duration, log *zap.Logger) (*Etcd, error) {
	if log == nil {
		log = zap.NewNop()
	}
	secs := int(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(secs), concurrency.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start etcd session: %w", err)
	}

	e := &Etcd{cli: cli, session: sess, log: log, ctx: ctx, cancel: cancel}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-sess.Done()
		if e.closed.Load() {
			return
		}
		e.expired.Store(true)
		e.log.Error("etcd session expired", zap.Int64("lease", int64(sess.Lease())))
		e.cancel()
	}()
	log.Info("etcd session established", zap.Strings("endpoints", cli.Endpoints()), zap.Int64("lease", int64(sess.Lease())), zap.Int("ttl", secs))
	return e, nil
}

func (e *Etcd) check(ctx context.Context, path string) error {
	if e.expired.Load() {
		return coord.ErrSessionExpired
	}
	if e.closed.Load() {
		return coord.ErrClosed
	}
	if err := coord.ValidatePath(path); err != nil {
		return err
	}
	return ctx.Err()
}

func childPrefix(path string) string {
	return strings.TrimRight(path, "/") + "/"
}

func (e *Etcd) Children(ctx context.Context, path string, watch bool) ([]string, <-chan coord.Event, error) {
	if err := e.check(ctx, path); err != nil {
		return nil, nil, err
	}
	prefix := childPrefix(path)
	resp, err := e.cli.Txn(ctx).Then(
		clientv3.OpGet(path, clientv3.WithCountOnly()),
		clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, nil, e.mapErr("children", path, err)
	}
	if path != "/" && resp.Responses[0].GetResponseRange().Count == 0 {
		return nil, nil, fmt.Errorf("etcd children %s: %w", path, coord.ErrNoNode)
	}

	var names []string
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		if name, ok := directChild(prefix, string(kv.Key)); ok {
			names = append(names, name)
		}
	}
	if !watch {
		return names, nil, nil
	}
	ch := e.watch(path, prefix, true, resp.Header.Revision+1, func(ev *clientv3.Event) (coord.EventType, bool) {
		if _, ok := directChild(prefix, string(ev.Kv.Key)); !ok {
			return 0, false
		}
		if ev.Type == mvccpb.DELETE || ev.IsCreate() {
			return coord.EventChildrenChanged, true
		}
		return 0, false
	})
	return names, ch, nil
}

func directChild(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func (e *Etcd) Get(ctx context.Context, path string, watch bool) ([]byte, coord.Stat, <-chan coord.Event, error) {
	if err := e.check(ctx, path); err != nil {
		return nil, coord.Stat{}, nil, err
	}
	resp, err := e.cli.Get(ctx, path)
	if err != nil {
		return nil, coord.Stat{}, nil, e.mapErr("get", path, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, coord.Stat{}, nil, fmt.Errorf("etcd get %s: %w", path, coord.ErrNoNode)
	}
	kv := resp.Kvs[0]
	var ch <-chan coord.Event
	if watch {
		ch = e.watch(path, path, false, resp.Header.Revision+1, func(ev *clientv3.Event) (coord.EventType, bool) {
			if ev.Type == mvccpb.DELETE {
				return coord.EventDeleted, true
			}
			return coord.EventDataChanged, true
		})
	}
	return kv.Value, etcdStat(kv), ch, nil
}

func (e *Etcd) Exists(ctx context.Context, path string, watch bool) (coord.Stat, bool, <-chan coord.Event, error) {
	if err := e.check(ctx, path); err != nil {
		return coord.Stat{}, false, nil, err
	}
	resp, err := e.cli.Get(ctx, path, clientv3.WithKeysOnly())
	if err != nil {
		return coord.Stat{}, false, nil, e.mapErr("exists", path, err)
	}
	var ch <-chan coord.Event
	if watch {
		ch = e.watch(path, path, false, resp.Header.Revision+1, func(ev *clientv3.Event) (coord.EventType, bool) {
			switch {
			case ev.Type == mvccpb.DELETE:
				return coord.EventDeleted, true
			case ev.IsCreate():
				return coord.EventCreated, true
			default:
				return coord.EventDataChanged, true
			}
		})
	}
	if len(resp.Kvs) == 0 {
		return coord.Stat{}, false, ch, nil
	}
	return etcdStat(resp.Kvs[0]), true, ch, nil
}

func (e *Etcd) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	if err := e.check(ctx, path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", fmt.Errorf("etcd create /: %w", coord.ErrNodeExists)
	}
	var opts []clientv3.OpOption
	if mode == coord.Ephemeral {
		opts = append(opts, clientv3.WithLease(e.session.Lease()))
	}
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(path), "=", 0)}
	if parent := coord.Parent(path); parent != "/" {
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(parent), ">", 0))
	}

	resp, err := e.cli.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpPut(path, string(data), opts...)).
		Else(clientv3.OpGet(path, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return "", e.mapErr("create", path, err)
	}
	if !resp.Succeeded {
		if resp.Responses[0].GetResponseRange().Count > 0 {
			return "", fmt.Errorf("etcd create %s: %w", path, coord.ErrNodeExists)
		}
		return "", fmt.Errorf("etcd create %s: parent missing: %w", path, coord.ErrNoNode)
	}
	return path, nil
}

// versionCmp guards a mutation of path: any existing version, or exactly
// version.
func versionCmp(path string, version int64) clientv3.Cmp {
	if version == coord.AnyVersion {
		return clientv3.Compare(clientv3.CreateRevision(path), ">", 0)
	}
	return clientv3.Compare(clientv3.Version(path), "=", version)
}

func (e *Etcd) Set(ctx context.Context, path string, data []byte, version int64) (coord.Stat, error) {
	if err := e.check(ctx, path); err != nil {
		return coord.Stat{}, err
	}
	resp, err := e.cli.Txn(ctx).
		If(versionCmp(path, version)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithIgnoreLease()), clientv3.OpGet(path)).
		Else(clientv3.OpGet(path, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return coord.Stat{}, e.mapErr("set", path, err)
	}
	if !resp.Succeeded {
		return coord.Stat{}, e.conflict("set", path, resp)
	}
	kvs := resp.Responses[1].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return coord.Stat{}, fmt.Errorf("etcd set %s: %w", path, coord.ErrNoNode)
	}
	return etcdStat(kvs[0]), nil
}

func (e *Etcd) Delete(ctx context.Context, path string, version int64) error {
	if err := e.check(ctx, path); err != nil {
		return err
	}
	kids, err := e.cli.Get(ctx, childPrefix(path), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return e.mapErr("delete", path, err)
	}
	if kids.Count > 0 {
		return fmt.Errorf("etcd delete %s: %w", path, coord.ErrNotEmpty)
	}
	resp, err := e.cli.Txn(ctx).
		If(versionCmp(path, version)).
		Then(clientv3.OpDelete(path)).
		Else(clientv3.OpGet(path, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return e.mapErr("delete", path, err)
	}
	if !resp.Succeeded {
		return e.conflict("delete", path, resp)
	}
	return nil
}

func (e *Etcd) conflict(op, path string, resp *clientv3.TxnResponse) error {
	if resp.Responses[0].GetResponseRange().Count == 0 {
		return fmt.Errorf("etcd %s %s: %w", op, path, coord.ErrNoNode)
	}
	return fmt.Errorf("etcd %s %s: %w", op, path, coord.ErrBadVersion)
}

// Close revokes the session lease, which removes this store's ephemeral
// nodes, and closes the client.
func (e *Etcd) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if !e.expired.Load() {
		if err := e.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("revoke session: %w", err))
		}
	}
	e.cancel()
	e.wg.Wait()
	if err := e.cli.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// watch arms a one-shot watch from rev. match picks the first event that
// fires it.
func (e *Etcd) watch(path, key string, prefix bool, rev int64, match func(*clientv3.Event) (coord.EventType, bool)) <-chan coord.Event {
	out := make(chan coord.Event, 1)
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(e.ctx))
	opts := []clientv3.OpOption{clientv3.WithRev(rev)}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	wch := e.cli.Watch(wctx, key, opts...)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.log.Debug("etcd watch failed", zap.String("path", path), zap.Error(err))
				break
			}
			for _, ev := range resp.Events {
				if typ, ok := match(ev); ok {
					out <- coord.Event{Type: typ, Path: path}
					return
				}
			}
		}
		out <- coord.Event{Type: coord.EventWatchLost, Path: path, Err: e.lostCause()}
	}()
	return out
}

func (e *Etcd) lostCause() error {
	switch {
	case e.expired.Load():
		return coord.ErrSessionExpired
	case e.closed.Load():
		return coord.ErrClosed
	default:
		return coord.ErrConnectionLoss
	}
}

func (e *Etcd) mapErr(op, path string, err error) error {
	var sentinel error
	switch {
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		e.expired.Store(true)
		sentinel = coord.ErrSessionExpired
	case errors.Is(err, context.Canceled) && e.closed.Load():
		sentinel = coord.ErrClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, clientv3.ErrNoAvailableEndpoints):
		sentinel = coord.ErrConnectionLoss
	default:
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			sentinel = coord.ErrConnectionLoss
		default:
			return fmt.Errorf("etcd %s %s: %w", op, path, err)
		}
	}
	return fmt.Errorf("etcd %s %s: %v: %w", op, path, err, sentinel)
}

func etcdStat(kv *mvccpb.KeyValue) coord.Stat {
	return coord.Stat{Version: kv.Version, Ephemeral: kv.Lease != 0}
}
