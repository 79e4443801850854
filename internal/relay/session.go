package relay

import (
	"crypto/subtle"
	"time"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/proto"
)

// Session binds one host-control connection to its clients. A client id is
// either pending (announced to the host, not yet bridged) or paired, never both.
type Session struct {
	id      string
	dataKey string
	host    *Conn
	created time.Time
	pending map[string]*Conn
	pairs   map[string]*Pair
	closed  bool
}

func newSession(id, dataKey string, host *Conn) *Session {
	return &Session{
		id:      id,
		dataKey: dataKey,
		host:    host,
		created: time.Now(),
		pending: make(map[string]*Conn),
		pairs:   make(map[string]*Pair),
	}
}

func (s *Session) ID() string      { return s.id }
func (s *Session) DataKey() string { return s.dataKey }
func (s *Session) Host() *Conn     { return s.host }

// Authorize compares key with the session data key in constant time.
func (s *Session) Authorize(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.dataKey)) == 1
}

// AddClient records client as pending and announces it to the host.
func (s *Session) AddClient(client *Conn) {
	if s.closed {
		client.Close()
		return
	}
	id := client.ID()
	s.pending[id] = client
	obs.PendingClients.Inc()
	s.host.Send(proto.NewClient, map[string]any{"id": id})
	obs.Debug("session.client_pending", obs.Fields{"session": s.id, "client": id})

	client.OnClose(func() {
		if _, ok := s.pending[id]; ok {
			delete(s.pending, id)
			obs.PendingClients.Dec()
			return
		}
		s.teardown(id)
	})
}

// AddDataSocket bridges the pending client clientID with hostData. When
// clientID is not pending, hostData is closed and nothing else changes.
func (s *Session) AddDataSocket(clientID string, hostData *Conn) bool {
	client, ok := s.pending[clientID]
	if !ok {
		obs.AttachRejectedTotal.WithLabelValues("not_pending").Inc()
		obs.Info("session.data_rejected", obs.Fields{"session": s.id, "client": clientID, "conn": hostData.ID()})
		hostData.Close()
		return false
	}
	delete(s.pending, clientID)
	obs.PendingClients.Dec()

	s.pairs[clientID] = bridge(clientID, client, hostData)
	obs.ActivePairs.Inc()
	obs.PairsEstablishedTotal.Inc()
	obs.Info("pair.established", obs.Fields{"session": s.id, "client": clientID, "data": hostData.ID()})

	hostData.OnClose(func() { s.teardown(clientID) })
	return true
}

func (s *Session) teardown(clientID string) {
	p, ok := s.pairs[clientID]
	if !ok {
		return
	}
	delete(s.pairs, clientID)
	obs.ActivePairs.Dec()
	p.close()
}

// Close ends the session: pending clients are closed, established pairs
// keep running until one of their ends closes.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, c := range s.Pending() {
		c.Close()
	}
}

// Pending returns the pending client connections.
func (s *Session) Pending() []*Conn {
	out := make([]*Conn, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, c)
	}
	return out
}

// Pair returns the pair for clientID, if bridged.
func (s *Session) Pair(clientID string) (*Pair, bool) {
	p, ok := s.pairs[clientID]
	return p, ok
}

// IsPending reports whether clientID waits for its data channel.
func (s *Session) IsPending(clientID string) bool {
	_, ok := s.pending[clientID]
	return ok
}

// PendingLen is the number of clients awaiting a data channel.
func (s *Session) PendingLen() int { return len(s.pending) }

// PairLen is the number of established pairs.
func (s *Session) PairLen() int { return len(s.pairs) }
