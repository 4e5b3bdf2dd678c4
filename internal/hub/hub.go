// Package hub owns the in-memory connection registry: the single shared map
// from identity id to that identity's live socket connections. One process
// owns this state; every access goes through the Registry's lock.
package hub

import (
	"log/slog"
	"sync"
)

// Conn is one live socket. Send must preserve the order of calls made on
// the same Conn; a failed send only affects that connection.
type Conn interface {
	Send(v any) error
}

// Registry tracks live connections per identity. An identity may have many
// simultaneous connections (multi-device); the entry disappears when the
// last one unregisters.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[Conn]struct{}
}

func New() *Registry {
	return &Registry{conns: make(map[string]map[Conn]struct{})}
}

// Register adds a connection to the identity's live set.
func (r *Registry) Register(id string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[id]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[id] = set
	}
	set[c] = struct{}{}
}

// Unregister removes exactly that connection; the identity entry is dropped
// when its set becomes empty. Unregistering an unknown connection is a
// no-op, so cleanup paths can run unconditionally.
func (r *Registry) Unregister(id string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[id]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, id)
	}
}

// SendTo delivers v to every live connection of the identity. A connection
// that fails to accept the frame is logged and skipped; it never fails the
// fan-out. No identity entry means nobody is listening, which is fine.
func (r *Registry) SendTo(id string, v any) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns[id]))
	for c := range r.conns[id] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(v); err != nil {
			slog.Warn("fan-out delivery failed", "identity", id, "error", err)
		}
	}
}

// Connected reports whether the identity has at least one live connection.
func (r *Registry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[id]) > 0
}

// Size returns the number of identities with live connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
