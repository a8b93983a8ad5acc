// Package membership watches the monitor path of the coordination tree,
// turns child-set changes into registrations and evictions, and arbitrates
// which of several monitor instances raises the alert for an eviction.
package membership

import "github.com/ryandielhenn/babysitter/pkg/model"

// RegistrationListener is told about servers joining the pool and owns the
// read model the diff is computed against. Implementations must be safe for
// concurrent use: calls arrive from watch and completion goroutines.
type RegistrationListener interface {
	Register(s model.Server) model.Status
	UpdateServer(s model.Server) model.Status
	// Forget drops s from the known set without alerting. It is used when
	// another instance owns the alert for s.
	Forget(s model.Server) model.Status
	// RegisteredServers returns a snapshot the caller may keep.
	RegisteredServers() model.ServerSet
}

// EvictionListener is told about a server leaving the pool, at most once per
// eviction across all monitor instances.
type EvictionListener interface {
	Deregister(s model.Server) model.Status
}

// Listener is a collaborator implementing both capabilities.
type Listener interface {
	RegistrationListener
	EvictionListener
}

// MemberWatcher arms the data watch on a single member.
type MemberWatcher interface {
	WatchMember(name string)
}
