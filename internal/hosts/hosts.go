// Package hosts holds the Host Registry: an ordered, immutable snapshot of the
// remote hosts that discovery scans and tunnels connect to.
//
// A Registry is never mutated after construction. Operations that change the
// view of the hosts (ignoring some, recording reachability after a scan)
// return a new Registry, so a scan always works on the snapshot it was given.
package hosts

import (
	"fmt"
	"net"
	"strconv"
)

// ID identifies a host. It is the SSH alias the host was loaded under.
type ID string

// Reachability is the last known reachability of a host.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	Reachable
	Unreachable
)

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// DefaultPort is used when a host does not specify one.
const DefaultPort = 22

// Host describes one remote host.
type Host struct {
	ID            ID           `json:"id"`
	Alias         string       `json:"alias"`
	Address       string       `json:"address"`
	Port          int          `json:"port"`
	User          string       `json:"user,omitempty"`
	IdentityFiles []string     `json:"identity_files,omitempty"`
	Reachability  Reachability `json:"reachability"`
}

// Addr returns the host:port to dial.
func (h Host) Addr() string {
	addr := h.Address
	if addr == "" {
		addr = h.Alias
	}
	port := h.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

func (h Host) String() string {
	return string(h.ID)
}

// Registry is an ordered set of hosts keyed by ID.
type Registry struct {
	hosts []Host
	index map[ID]int
}

// NewRegistry builds a registry from hosts in the given order. A host without
// an ID takes its alias as ID. Later duplicates of an ID are dropped, matching
// ssh_config's first-match-wins rule.
func NewRegistry(list []Host) (*Registry, error) {
	r := &Registry{index: make(map[ID]int, len(list))}
	for _, h := range list {
		if h.ID == "" {
			h.ID = ID(h.Alias)
		}
		if h.ID == "" {
			return nil, fmt.Errorf("host without alias (address %q)", h.Address)
		}
		if h.Alias == "" {
			h.Alias = string(h.ID)
		}
		if _, dup := r.index[h.ID]; dup {
			continue
		}
		h.IdentityFiles = append([]string(nil), h.IdentityFiles...)
		r.index[h.ID] = len(r.hosts)
		r.hosts = append(r.hosts, h)
	}
	return r, nil
}

// Hosts returns a copy of the hosts in registry order.
func (r *Registry) Hosts() []Host {
	if r == nil {
		return nil
	}
	out := make([]Host, len(r.hosts))
	copy(out, r.hosts)
	return out
}

// Len returns the number of hosts.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.hosts)
}

// Lookup returns the host with the given ID.
func (r *Registry) Lookup(id ID) (Host, bool) {
	if r == nil {
		return Host{}, false
	}
	i, ok := r.index[id]
	if !ok {
		return Host{}, false
	}
	return r.hosts[i], true
}

// Without returns a registry without the hosts whose alias is in ignore.
func (r *Registry) Without(ignore []string) *Registry {
	skip := make(map[string]bool, len(ignore))
	for _, a := range ignore {
		skip[a] = true
	}
	var kept []Host
	for _, h := range r.hosts {
		if !skip[h.Alias] {
			kept = append(kept, h)
		}
	}
	out, _ := NewRegistry(kept)
	return out
}

// WithReachability returns a registry whose hosts carry the given
// reachability. Hosts absent from states keep their current value.
func (r *Registry) WithReachability(states map[ID]Reachability) *Registry {
	list := r.Hosts()
	for i := range list {
		if s, ok := states[list[i].ID]; ok {
			list[i].Reachability = s
		}
	}
	out, _ := NewRegistry(list)
	return out
}
