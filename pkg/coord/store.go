// Package coord defines the coordination-store primitives the monitor relies
// on: a tree of nodes with ephemeral members, versioned mutations and
// one-shot watches. Backends live in the discovery package and in memtree.
package coord

import (
	"context"
	"fmt"
)

// Mode selects the lifetime of a created node.
type Mode uint8

const (
	// Persistent nodes survive the session that created them.
	Persistent Mode = iota
	// Ephemeral nodes are removed when their session ends.
	Ephemeral
)

func (m Mode) String() string {
	if m == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// AnyVersion disables the version check on Set and Delete.
const AnyVersion int64 = -1

// Stat is the metadata of a node.
type Stat struct {
	Version   int64
	Ephemeral bool
}

// EventType describes what fired a watch.
type EventType uint8

const (
	// EventChildrenChanged means a child of the watched node was added or removed.
	EventChildrenChanged EventType = iota + 1
	// EventDataChanged means the data of the watched node was overwritten.
	EventDataChanged
	// EventCreated means the watched node came into existence.
	EventCreated
	// EventDeleted means the watched node was removed.
	EventDeleted
	// EventWatchLost means the watch will never fire for a real change, e.g.
	// the session expired or the store was closed. Err carries the reason.
	EventWatchLost
)

func (t EventType) String() string {
	switch t {
	case EventChildrenChanged:
		return "children-changed"
	case EventDataChanged:
		return "data-changed"
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventWatchLost:
		return "watch-lost"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is a single firing of a one-shot watch on Path.
type Event struct {
	Type EventType
	Path string
	Err  error
}

// Store is a session on a coordination tree. A read called with watch set
// arms a one-shot watch: the returned channel receives exactly one Event and
// is then closed. Watches must be re-armed by reading again. Without watch
// the returned channel is nil.
type Store interface {
	Children(ctx context.Context, path string, watch bool) ([]string, <-chan Event, error)
	Get(ctx context.Context, path string, watch bool) ([]byte, Stat, <-chan Event, error)
	// Exists arms a watch that fires on creation, data change or deletion,
	// whether or not the node exists yet.
	Exists(ctx context.Context, path string, watch bool) (Stat, bool, <-chan Event, error)
	Create(ctx context.Context, path string, data []byte, mode Mode) (string, error)
	Set(ctx context.Context, path string, data []byte, version int64) (Stat, error)
	Delete(ctx context.Context, path string, version int64) error
	Close() error
}
