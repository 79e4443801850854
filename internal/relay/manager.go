package relay

import (
	"github.com/PortProxy/PortProxy-Server/internal/idgen"
	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/proto"
	"github.com/PortProxy/PortProxy-Server/internal/state"
)

// DefaultDataKeyLength is the length of every session data key.
const DefaultDataKeyLength = 300

// Manager owns the live sessions.
type Manager struct {
	sessions map[string]*Session
	idLen    int
	keyLen   int
	dir      state.Store
}

func NewManager(idLen, keyLen int, dir state.Store) *Manager {
	if idLen <= 0 {
		idLen = DefaultIDLength
	}
	if keyLen <= 0 {
		keyLen = DefaultDataKeyLength
	}
	if dir == nil {
		dir = state.NewMemoryStore()
	}
	return &Manager{sessions: make(map[string]*Session), idLen: idLen, keyLen: keyLen, dir: dir}
}

// CreateSession starts a session hosted by host and sends the host its
// session id and data key. The session ends when host closes.
func (m *Manager) CreateSession(host *Conn) *Session {
	id := idgen.Unique(m.idLen, func(s string) bool {
		_, taken := m.sessions[s]
		return taken
	})
	s := newSession(id, idgen.Generate(m.keyLen), host)
	m.sessions[id] = s
	obs.ActiveSessions.Set(float64(len(m.sessions)))
	m.dir.Announce(state.SessionRecord{ID: id, CreatedAt: s.created})
	obs.Info("session.created", obs.Fields{"session": id, "host": host.ID(), "remote": host.RemoteAddr()})

	host.Send(proto.SessionDetails, map[string]any{"id": id, "key": s.dataKey})
	host.OnClose(func() {
		s.Close()
		m.RemoveSession(id)
	})
	return s
}

// Session looks up a live session; nil when absent.
func (m *Manager) Session(id string) *Session {
	return m.sessions[id]
}

// RemoveSession forgets id and withdraws it from the directory.
func (m *Manager) RemoveSession(id string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	obs.ActiveSessions.Set(float64(len(m.sessions)))
	m.dir.Withdraw(id)
	obs.Info("session.closed", obs.Fields{"session": id, "pairs": s.PairLen()})
}

func (m *Manager) Len() int { return len(m.sessions) }

// Totals sums pending clients and pairs over all live sessions.
func (m *Manager) Totals() (pending, pairs int) {
	for _, s := range m.sessions {
		pending += s.PendingLen()
		pairs += s.PairLen()
	}
	return pending, pairs
}

// Close ends every session.
func (m *Manager) Close() {
	for id, s := range m.sessions {
		s.Close()
		m.RemoveSession(id)
	}
}
