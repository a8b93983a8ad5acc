// Package memtree is an in-process coordination tree. Several sessions share
// one Tree, which makes it usable for running multiple monitor instances in a
// single test or a single development process.
package memtree

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ryandielhenn/babysitter/pkg/coord"
)

// Op names a store primitive for fault injection.
type Op uint8

const (
	OpChildren Op = iota + 1
	OpGet
	OpExists
	OpCreate
	OpSet
	OpDelete
)

// Fault makes the next Times matching calls fail with Err. When Applied is
// set the operation takes effect before the error is returned, which is how
// a connection drop during an in-flight write looks to a client.
type Fault struct {
	Op      Op
	Path    string // empty matches any path
	Err     error
	Times   int
	Applied bool
}

type node struct {
	data     []byte
	version  int64
	owner    int64 // session id for ephemerals, 0 otherwise
	children map[string]struct{}
}

type watch struct {
	session int64
	ch      chan coord.Event
}

type kind uint8

const (
	childWatch kind = iota
	dataWatch
	existWatch
)

// Tree is the shared state. The zero value is not usable; use New.
type Tree struct {
	mu       sync.Mutex
	nodes    map[string]*node
	watches  map[kind]map[string][]watch
	sessions map[int64]*Session
	nextID   int64
	faults   []*Fault
}

func New() *Tree {
	return &Tree{
		nodes: map[string]*node{"/": {children: map[string]struct{}{}}},
		watches: map[kind]map[string][]watch{
			childWatch: {},
			dataWatch:  {},
			existWatch: {},
		},
		sessions: make(map[int64]*Session),
	}
}

// Session opens a new session on the tree.
func (t *Tree) Session() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	s := &Session{tree: t, id: t.nextID}
	t.sessions[s.id] = s
	return s
}

// InjectFault queues f. Faults are consumed in the order they were added.
func (t *Tree) InjectFault(f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, &f)
}

// Has reports whether path exists.
func (t *Tree) Has(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.nodes[path]
	return ok
}

// Paths returns every node path under prefix, sorted.
func (t *Tree) Paths(prefix string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for p := range t.nodes {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Expire ends session s as if its timeout elapsed: its ephemerals are
// removed, its pending watches are told they are lost and every later call
// fails with coord.ErrSessionExpired.
func (t *Tree) Expire(s *Session) {
	t.end(s, coord.ErrSessionExpired)
}

func (t *Tree) end(s *Session, reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = reason
	delete(t.sessions, s.id)

	var owned []string
	for p, n := range t.nodes {
		if n.owner == s.id {
			owned = append(owned, p)
		}
	}
	// deepest first so parents are empty when removed
	sort.Slice(owned, func(i, j int) bool { return len(owned[i]) > len(owned[j]) })
	for _, p := range owned {
		t.remove(p)
	}

	for _, byPath := range t.watches {
		for p, ws := range byPath {
			kept := ws[:0]
			for _, w := range ws {
				if w.session == s.id {
					w.ch <- coord.Event{Type: coord.EventWatchLost, Path: p, Err: reason}
					close(w.ch)
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(byPath, p)
			} else {
				byPath[p] = kept
			}
		}
	}
}

// takeFault returns the first queued fault matching op and path.
func (t *Tree) takeFault(op Op, path string) *Fault {
	for i, f := range t.faults {
		if f.Op != op || (f.Path != "" && f.Path != path) {
			continue
		}
		f.Times--
		if f.Times <= 0 {
			t.faults = append(t.faults[:i], t.faults[i+1:]...)
		}
		return f
	}
	return nil
}

func (t *Tree) arm(k kind, s *Session, path string, armed bool) <-chan coord.Event {
	if !armed {
		return nil
	}
	ch := make(chan coord.Event, 1)
	t.watches[k][path] = append(t.watches[k][path], watch{session: s.id, ch: ch})
	return ch
}

func (t *Tree) fire(k kind, path string, typ coord.EventType) {
	for _, w := range t.watches[k][path] {
		w.ch <- coord.Event{Type: typ, Path: path}
		close(w.ch)
	}
	delete(t.watches[k], path)
}

func (t *Tree) remove(path string) {
	delete(t.nodes, path)
	parent := coord.Parent(path)
	if pn, ok := t.nodes[parent]; ok {
		delete(pn.children, coord.Base(path))
	}
	t.fire(dataWatch, path, coord.EventDeleted)
	t.fire(existWatch, path, coord.EventDeleted)
	t.fire(childWatch, path, coord.EventDeleted)
	t.fire(childWatch, parent, coord.EventChildrenChanged)
}

func (t *Tree) create(s *Session, path string, data []byte, mode coord.Mode) error {
	if err := coord.ValidatePath(path); err != nil || path == "/" {
		return fmt.Errorf("create %q: invalid path", path)
	}
	if _, ok := t.nodes[path]; ok {
		return coord.ErrNodeExists
	}
	parent := coord.Parent(path)
	pn, ok := t.nodes[parent]
	if !ok {
		return coord.ErrNoNode
	}
	n := &node{data: append([]byte(nil), data...), children: map[string]struct{}{}}
	if mode == coord.Ephemeral {
		n.owner = s.id
	}
	t.nodes[path] = n
	pn.children[coord.Base(path)] = struct{}{}
	t.fire(existWatch, path, coord.EventCreated)
	t.fire(childWatch, parent, coord.EventChildrenChanged)
	return nil
}

func (t *Tree) set(path string, data []byte, version int64) (coord.Stat, error) {
	n, ok := t.nodes[path]
	if !ok {
		return coord.Stat{}, coord.ErrNoNode
	}
	if version != coord.AnyVersion && version != n.version {
		return coord.Stat{}, coord.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	t.fire(dataWatch, path, coord.EventDataChanged)
	t.fire(existWatch, path, coord.EventDataChanged)
	return n.stat(), nil
}

func (t *Tree) delete(path string, version int64) error {
	n, ok := t.nodes[path]
	if !ok {
		return coord.ErrNoNode
	}
	if version != coord.AnyVersion && version != n.version {
		return coord.ErrBadVersion
	}
	if len(n.children) > 0 {
		return coord.ErrNotEmpty
	}
	t.remove(path)
	return nil
}

func (n *node) stat() coord.Stat {
	return coord.Stat{Version: n.version, Ephemeral: n.owner != 0}
}
