// Package registry tracks announced clients and the external ports they
// were last seen on.
package registry

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"

	"turnip/pkg/models"
)

// Registry maps a ClientKey to the external ports its PINGs arrived from,
// each with its last-seen time. Entries only leave through Expire.
//
// The rendezvous engine is the only writer. The lock lets readers such as
// the admin endpoint take snapshots while the engine runs.
type Registry struct {
	mu      sync.RWMutex
	clients map[models.ClientKey]map[uint16]time.Time
}

// Entry is a snapshot of one registered client.
type Entry struct {
	Key   models.ClientKey
	Ports map[uint16]time.Time
}

func New() *Registry {
	return &Registry{
		clients: make(map[models.ClientKey]map[uint16]time.Time),
	}
}

// Touch records that key was seen via externalPort at now. It reports
// whether the pair was not previously known.
func (r *Registry) Touch(key models.ClientKey, externalPort uint16, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports, ok := r.clients[key]
	if !ok {
		ports = make(map[uint16]time.Time)
		r.clients[key] = ports
	}
	_, known := ports[externalPort]
	ports[externalPort] = now
	return !known
}

// PortsFor returns the known external ports of key in ascending order,
// or nil if key is not registered.
func (r *Registry) PortsFor(key models.ClientKey) []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ports, ok := r.clients[key]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(ports))
}

// Expire removes every pair whose age is at least timeout and drops keys
// left without ports. The removed pairs are returned sorted by key and port.
func (r *Registry) Expire(timeout time.Duration, now time.Time) []models.Expired {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.Expired
	for key, ports := range r.clients {
		for port, seen := range ports {
			if now.Sub(seen) >= timeout {
				expired = append(expired, models.Expired{Key: key, Port: port, LastSeen: seen})
				delete(ports, port)
			}
		}
		if len(ports) == 0 {
			delete(r.clients, key)
		}
	}

	slices.SortFunc(expired, func(a, b models.Expired) int {
		if c := a.Key.IP.Compare(b.Key.IP); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Key.Port, b.Key.Port); c != 0 {
			return c
		}
		return cmp.Compare(a.Port, b.Port)
	})
	return expired
}

// Len returns the number of registered clients and the total number of
// tracked external ports.
func (r *Registry) Len() (clients, ports int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.clients {
		ports += len(p)
	}
	return len(r.clients), ports
}

// Snapshot copies the registry contents, ordered by key.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.clients))
	for key, ports := range r.clients {
		entries = append(entries, Entry{Key: key, Ports: maps.Clone(ports)})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.Key.IP.Compare(b.Key.IP); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.Port, b.Key.Port)
	})
	return entries
}
