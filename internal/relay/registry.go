package relay

import (
	"sync"
	"time"

	"github.com/PortProxy/PortProxy-Server/internal/idgen"
	"github.com/PortProxy/PortProxy-Server/internal/obs"
)

const (
	// DefaultIDLength is the starting length of connection and session ids.
	DefaultIDLength = 60
	// DefaultConnGrace is how long a closed connection stays registered.
	DefaultConnGrace = 10 * time.Minute
)

// Registry tracks every live connection by id. Removal is deferred by a
// grace window after close; the mutex only guards against the timers.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	pending map[string]*removal
	idLen   int
	grace   time.Duration
}

type removal struct {
	timer *time.Timer
}

func NewRegistry(idLen int, grace time.Duration) *Registry {
	if idLen <= 0 {
		idLen = DefaultIDLength
	}
	if grace <= 0 {
		grace = DefaultConnGrace
	}
	return &Registry{
		conns:   make(map[string]*Conn),
		pending: make(map[string]*removal),
		idLen:   idLen,
		grace:   grace,
	}
}

// Register allocates a fresh id for c and stores it.
func (r *Registry) Register(c *Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := idgen.Unique(r.idLen, func(s string) bool {
		_, taken := r.conns[s]
		return taken
	})
	r.conns[id] = c
	obs.ActiveConnections.Set(float64(len(r.conns)))
	return id
}

// Release schedules removal of id after the grace window. Calling it again
// restarts the window.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return
	}
	if prev, ok := r.pending[id]; ok {
		prev.timer.Stop()
	}
	rm := &removal{}
	r.pending[id] = rm
	rm.timer = time.AfterFunc(r.grace, func() { r.expire(id, rm) })
}

func (r *Registry) expire(id string, rm *removal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[id] != rm {
		return
	}
	delete(r.pending, id)
	delete(r.conns, id)
	obs.ActiveConnections.Set(float64(len(r.conns)))
	obs.Debug("registry.removed", obs.Fields{"conn": id})
}

// Lookup returns the connection registered under id, closed or not.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len counts registered connections, including those awaiting removal.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Live returns the connections that have not been released yet.
func (r *Registry) Live() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if _, releasing := r.pending[id]; !releasing {
			out = append(out, c)
		}
	}
	return out
}

// Close stops every removal timer and forgets all connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rm := range r.pending {
		rm.timer.Stop()
		delete(r.pending, id)
	}
	r.conns = make(map[string]*Conn)
	obs.ActiveConnections.Set(0)
}
