package memtree

import (
	"context"
	"sort"

	"github.com/ryandielhenn/babysitter/pkg/coord"
)

// Session is one client of a Tree and implements coord.Store.
type Session struct {
	tree *Tree
	id   int64
	err  error // set once the session ended; guarded by tree.mu
}

var _ coord.Store = (*Session)(nil)

func (s *Session) ID() int64 { return s.id }

// begin locks the tree and reports the error the call must fail with, if
// any. A returned fault with Applied set lets the call proceed first.
func (s *Session) begin(ctx context.Context, op Op, path string) (*Fault, error) {
	s.tree.mu.Lock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	if f := s.tree.takeFault(op, path); f != nil {
		if f.Applied {
			return f, nil
		}
		return nil, f.Err
	}
	return nil, nil
}

func (s *Session) Children(ctx context.Context, path string, watch bool) ([]string, <-chan coord.Event, error) {
	f, err := s.begin(ctx, OpChildren, path)
	defer s.tree.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	n, ok := s.tree.nodes[path]
	if !ok {
		return nil, nil, coord.ErrNoNode
	}
	names := make([]string, 0, len(n.children))
	for c := range n.children {
		names = append(names, c)
	}
	sort.Strings(names)
	ch := s.tree.arm(childWatch, s, path, watch)
	if f != nil {
		return nil, nil, f.Err
	}
	return names, ch, nil
}

func (s *Session) Get(ctx context.Context, path string, watch bool) ([]byte, coord.Stat, <-chan coord.Event, error) {
	f, err := s.begin(ctx, OpGet, path)
	defer s.tree.mu.Unlock()
	if err != nil {
		return nil, coord.Stat{}, nil, err
	}
	n, ok := s.tree.nodes[path]
	if !ok {
		return nil, coord.Stat{}, nil, coord.ErrNoNode
	}
	ch := s.tree.arm(dataWatch, s, path, watch)
	if f != nil {
		return nil, coord.Stat{}, nil, f.Err
	}
	return append([]byte(nil), n.data...), n.stat(), ch, nil
}

func (s *Session) Exists(ctx context.Context, path string, watch bool) (coord.Stat, bool, <-chan coord.Event, error) {
	f, err := s.begin(ctx, OpExists, path)
	defer s.tree.mu.Unlock()
	if err != nil {
		return coord.Stat{}, false, nil, err
	}
	ch := s.tree.arm(existWatch, s, path, watch)
	if f != nil {
		return coord.Stat{}, false, nil, f.Err
	}
	if n, ok := s.tree.nodes[path]; ok {
		return n.stat(), true, ch, nil
	}
	return coord.Stat{}, false, ch, nil
}

func (s *Session) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	f, err := s.begin(ctx, OpCreate, path)
	defer s.tree.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := s.tree.create(s, path, data, mode); err != nil {
		return "", err
	}
	if f != nil {
		return "", f.Err
	}
	return path, nil
}

func (s *Session) Set(ctx context.Context, path string, data []byte, version int64) (coord.Stat, error) {
	f, err := s.begin(ctx, OpSet, path)
	defer s.tree.mu.Unlock()
	if err != nil {
		return coord.Stat{}, err
	}
	st, err := s.tree.set(path, data, version)
	if err != nil {
		return coord.Stat{}, err
	}
	if f != nil {
		return coord.Stat{}, f.Err
	}
	return st, nil
}

func (s *Session) Delete(ctx context.Context, path string, version int64) error {
	f, err := s.begin(ctx, OpDelete, path)
	defer s.tree.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.tree.delete(path, version); err != nil {
		return err
	}
	if f != nil {
		return f.Err
	}
	return nil
}

// Close ends the session; its ephemerals are removed.
func (s *Session) Close() error {
	s.tree.end(s, coord.ErrClosed)
	return nil
}
