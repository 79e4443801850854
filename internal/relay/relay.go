// Package relay pairs host and client connections into sessions and
// bridges their frames.
//
// All state lives on one event loop (Run). Transport goroutines only Post
// closures into it, so the registry, sessions and connections are never
// mutated concurrently.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/state"
)

// Config sizes the relay.
type Config struct {
	IDLength      int
	DataKeyLength int
	ConnGrace     time.Duration
	EventBacklog  int
}

// Relay is the process-wide rendezvous state plus the loop that owns it.
type Relay struct {
	registry *Registry
	sessions *Manager
	dir      state.Store

	events  chan func()
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	once    sync.Once
}

func New(cfg Config, dir state.Store) *Relay {
	if cfg.EventBacklog <= 0 {
		cfg.EventBacklog = 1024
	}
	if dir == nil {
		dir = state.NewMemoryStore()
	}
	return &Relay{
		registry: NewRegistry(cfg.IDLength, cfg.ConnGrace),
		sessions: NewManager(cfg.IDLength, cfg.DataKeyLength, dir),
		dir:      dir,
		events:   make(chan func(), cfg.EventBacklog),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *Relay) Registry() *Registry { return r.registry }
func (r *Relay) Sessions() *Manager  { return r.sessions }

// Run executes posted events until ctx is done or Close is called, then
// closes every live connection. It may only be called once.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("relay: event loop already running")
	}
	defer close(r.done)
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case <-r.stop:
			r.shutdown()
			return nil
		}
	}
}

// Post queues fn for the event loop. It reports false once the loop has exited.
func (r *Relay) Post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Close stops the event loop and waits for it to finish.
func (r *Relay) Close() {
	r.once.Do(func() { close(r.stop) })
	if r.running.Load() {
		<-r.done
	}
}

func (r *Relay) shutdown() {
	for _, c := range r.registry.Live() {
		c.Close()
	}
	r.sessions.Close()
	r.registry.Close()
	obs.Info("relay.stopped", nil)
}

// Attach registers a new transport connection and routes it by path. It
// must run on the event loop. The returned Conn may already be closed when
// the path was rejected.
func (r *Relay) Attach(t Transport, path string) *Conn {
	c := newConn(t)
	c.id = r.registry.Register(c)
	c.OnClose(func() { r.registry.Release(c.id) })

	ap, err := ParseAttachPath(path)
	if err != nil {
		r.reject(c, "bad_path", err)
		return c
	}
	c.assignRole(ap.Role)
	obs.Debug("conn.attached", obs.Fields{"conn": c.id, "role": c.role.String(), "remote": t.RemoteAddr()})

	switch ap.Role {
	case RoleHostControl:
		c.installControlListeners()
		r.sessions.CreateSession(c)
	case RoleHostData:
		s := r.sessions.Session(ap.SessionID)
		if s == nil || !s.Authorize(ap.DataKey) {
			r.reject(c, "unknown_session", ErrUnknownSession)
			return c
		}
		s.AddDataSocket(ap.ClientID, c)
	case RoleClient:
		s := r.sessions.Session(ap.SessionID)
		if s == nil {
			r.reject(c, "unknown_session", ErrUnknownSession)
			return c
		}
		s.AddClient(c)
	}
	return c
}

func (r *Relay) reject(c *Conn, reason string, err error) {
	obs.AttachRejectedTotal.WithLabelValues(reason).Inc()
	obs.Info("attach.rejected", obs.Fields{"conn": c.id, "remote": c.RemoteAddr(), "err": err.Error()})
	c.Close()
}

// TransportClosed handles the peer going away. It must run on the event loop.
func (r *Relay) TransportClosed(c *Conn) {
	r.registry.Release(c.id)
	c.Close()
}

// LookupSession asks the directory for id, which may be hosted by another
// relay instance sharing the same store.
func (r *Relay) LookupSession(ctx context.Context, id string) (state.SessionRecord, bool, error) {
	return r.dir.Lookup(ctx, id)
}

// Stats is a point-in-time snapshot of the relay.
type Stats struct {
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Pending     int    `json:"pending"`
	Pairs       int    `json:"pairs"`
	Directory   int    `json:"directory_sessions"`
	Now         string `json:"now"`
}

// Stats reads a snapshot through the event loop.
func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	ch := make(chan Stats, 1)
	if !r.Post(func() {
		pending, pairs := r.sessions.Totals()
		ch <- Stats{Connections: r.registry.Len(), Sessions: r.sessions.Len(), Pending: pending, Pairs: pairs}
	}) {
		return Stats{}, ErrStopped
	}
	var st Stats
	select {
	case st = <-ch:
	case <-r.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	n, err := r.dir.Count(ctx)
	if err != nil {
		obs.Error("stats.directory", obs.Fields{"err": err.Error()})
	}
	st.Directory = n
	st.Now = time.Now().UTC().Format(time.RFC3339)
	return st, nil
}
