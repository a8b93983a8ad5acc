package membership

import "github.com/ryandielhenn/babysitter/pkg/coord"

// Paths are the two subtrees the monitor works on. Children of Monitor are
// the registered servers, children of Alerts the silence markers; both are
// named by server hostname.
type Paths struct {
	Monitor string
	Alerts  string
}

// AlertPath returns the marker path for a server name. A full path under
// either subtree is accepted and normalized.
func (p Paths) AlertPath(name string) string {
	return coord.Join(p.Alerts, coord.Base(name))
}

// MonitorPath returns the member path for a server name, normalizing marker
// and member paths the same way as AlertPath.
func (p Paths) MonitorPath(name string) string {
	return coord.Join(p.Monitor, coord.Base(name))
}
