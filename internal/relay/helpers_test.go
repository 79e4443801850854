package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PortProxy/PortProxy-Server/internal/state"
)

type fakeTransport struct {
	frames     []Frame
	closed     bool
	closeCalls int
}

func (f *fakeTransport) Send(fr Frame) {
	if f.closed {
		return
	}
	f.frames = append(f.frames, fr)
}

func (f *fakeTransport) Close()             { f.closed = true; f.closeCalls++ }
func (f *fakeTransport) Closing() bool      { return f.closed }
func (f *fakeTransport) RemoteAddr() string { return "192.0.2.1:4000" }

func (f *fakeTransport) packets(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, fr := range f.frames {
		if fr.Type != TextMessage {
			continue
		}
		var m map[string]any
		if json.Unmarshal(fr.Data, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) packetIDs(t *testing.T) []string {
	t.Helper()
	var ids []string
	for _, p := range f.packets(t) {
		ids = append(ids, p["packetId"].(string))
	}
	return ids
}

func (f *fakeTransport) reset() { f.frames = nil }

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r := New(Config{ConnGrace: time.Hour}, state.NewMemoryStore())
	t.Cleanup(r.registry.Close)
	return r
}

// openSession attaches a host at /host and returns its session details.
func openSession(t *testing.T, r *Relay) (host *Conn, ht *fakeTransport, id, key string) {
	t.Helper()
	ht = &fakeTransport{}
	host = r.Attach(ht, "/host")
	require.False(t, host.Closed())
	pkts := ht.packets(t)
	require.Len(t, pkts, 1)
	require.Equal(t, "session_details", pkts[0]["packetId"])
	ht.reset()
	return host, ht, pkts[0]["id"].(string), pkts[0]["key"].(string)
}

// addClient attaches a client to session id and returns the client id the host was told about.
func addClient(t *testing.T, r *Relay, ht *fakeTransport, id string) (*Conn, *fakeTransport, string) {
	t.Helper()
	ct := &fakeTransport{}
	c := r.Attach(ct, "/client/"+id)
	require.False(t, c.Closed())
	pkts := ht.packets(t)
	require.NotEmpty(t, pkts)
	last := pkts[len(pkts)-1]
	require.Equal(t, "new_client", last["packetId"])
	require.Equal(t, c.ID(), last["id"])
	return c, ct, c.ID()
}
