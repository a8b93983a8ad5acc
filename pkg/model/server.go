// Package model holds the monitored-server entity and the result values that
// cross the listener boundary.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ServerAddress identifies the host a monitored server runs on.
type ServerAddress struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
}

func NewServerAddress(hostname, ip string) ServerAddress {
	return ServerAddress{IP: ip, Hostname: hostname}
}

func (a ServerAddress) String() string {
	if a.Hostname == "" {
		return a.IP
	}
	return a.Hostname + "@" + a.IP
}

// Server is a monitored entity as registered under the monitor path.
// Two servers with the same address and port are the same logical server,
// see Key.
type Server struct {
	Address     ServerAddress   `json:"server_address"`
	Port        int             `json:"port"`
	TTLSeconds  int             `json:"ttl"`
	MaxMissed   int             `json:"max_missed"`
	Type        string          `json:"type"`
	Description string          `json:"desc"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func NewServer(addr ServerAddress, port, ttlSeconds int) Server {
	return Server{Address: addr, Port: port, TTLSeconds: ttlSeconds}
}

// Name is the node name of the server under the monitor and alerts paths.
func (s Server) Name() string {
	return s.Address.Hostname
}

func (s Server) Key() Key {
	return Key{IP: s.Address.IP, Hostname: s.Address.Hostname, Port: s.Port}
}

// Equal reports identity equality; descriptive fields and payload are ignored.
func (s Server) Equal(o Server) bool {
	return s.Key() == o.Key()
}

func (s Server) String() string {
	return s.Name() + " :: " + s.Description
}

// Key is the identity of a Server: (address, port).
type Key struct {
	IP       string
	Hostname string
	Port     int
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d", k.Hostname, k.IP, k.Port)
}

// ServerSet is an unordered set of servers keyed by identity. The zero value
// is not usable; use NewServerSet.
type ServerSet map[Key]Server

func NewServerSet(servers ...Server) ServerSet {
	set := make(ServerSet, len(servers))
	for _, s := range servers {
		set[s.Key()] = s
	}
	return set
}

// Add inserts s, replacing any record with the same identity; it reports
// whether s was not already present.
func (set ServerSet) Add(s Server) bool {
	_, found := set[s.Key()]
	set[s.Key()] = s
	return !found
}

func (set ServerSet) Remove(s Server) bool {
	if _, found := set[s.Key()]; !found {
		return false
	}
	delete(set, s.Key())
	return true
}

func (set ServerSet) Contains(s Server) bool {
	_, found := set[s.Key()]
	return found
}

func (set ServerSet) Clone() ServerSet {
	out := make(ServerSet, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out
}

// Names returns the sorted server names in the set.
func (set ServerSet) Names() []string {
	out := make([]string, 0, len(set))
	for _, s := range set {
		out = append(out, s.Name())
	}
	sort.Strings(out)
	return out
}

// Slice returns the servers ordered by name, then key.
func (set ServerSet) Slice() []Server {
	out := make([]Server, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}
