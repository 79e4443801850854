package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostAttachCreatesSession(t *testing.T) {
	r := newTestRelay(t)
	host, _, id, key := openSession(t, r)

	assert.Equal(t, RoleHostControl, host.Role())
	assert.Len(t, id, DefaultIDLength)
	assert.Len(t, key, DefaultDataKeyLength)
	s := r.Sessions().Session(id)
	require.NotNil(t, s)
	assert.Equal(t, key, s.DataKey())
	assert.Same(t, host, s.Host())
}

func TestSessionIDsAndKeysAreDistinct(t *testing.T) {
	r := newTestRelay(t)
	ids := map[string]bool{}
	keys := map[string]bool{}
	for i := 0; i < 20; i++ {
		_, _, id, key := openSession(t, r)
		require.False(t, ids[id])
		require.False(t, keys[key])
		ids[id], keys[key] = true, true
	}
	assert.Equal(t, 20, r.Sessions().Len())
}

func TestRendezvousBridgesFrames(t *testing.T) {
	r := newTestRelay(t)
	_, ht, id, key := openSession(t, r)
	client, ct, cid := addClient(t, r, ht, id)

	s := r.Sessions().Session(id)
	assert.True(t, s.IsPending(cid))

	dt := &fakeTransport{}
	data := r.Attach(dt, "/host/"+id+"/"+key+"/"+cid)
	require.False(t, data.Closed())
	assert.Equal(t, RoleHostData, data.Role())
	assert.False(t, s.IsPending(cid))
	_, paired := s.Pair(cid)
	assert.True(t, paired)

	assert.Equal(t, []string{"client_connected"}, ct.packetIDs(t))
	assert.Empty(t, dt.frames, "host-data end is not a client and gets no readiness packet")
	ct.reset()

	up := Frame{Type: BinaryMessage, Data: []byte{0, 1, 2, 0xff}}
	down := Frame{Type: TextMessage, Data: []byte(`{"packetId":"keep_alive"}`)}
	client.HandleFrame(up)
	data.HandleFrame(down)
	client.HandleFrame(Frame{Type: BinaryMessage, Data: []byte("second")})

	assert.Equal(t, []Frame{up, {Type: BinaryMessage, Data: []byte("second")}}, dt.frames)
	assert.Equal(t, []Frame{down}, ct.frames, "bridged text is forwarded, not interpreted")
	assert.Empty(t, ht.frames[1:], "host control channel sees no bridged traffic")

	p, _ := s.Pair(cid)
	assert.EqualValues(t, 4+len(down.Data)+6, p.Bytes())
}

func TestDataSocketForUnknownClientIsRejected(t *testing.T) {
	r := newTestRelay(t)
	_, ht, id, key := openSession(t, r)
	_, ct, cid := addClient(t, r, ht, id)
	s := r.Sessions().Session(id)

	dt := &fakeTransport{}
	data := r.Attach(dt, "/host/"+id+"/"+key+"/not-a-client")
	assert.True(t, data.Closed())
	assert.True(t, dt.closed)
	assert.True(t, s.IsPending(cid))
	assert.Equal(t, 1, s.PendingLen())
	assert.Equal(t, 0, s.PairLen())
	assert.Empty(t, ct.frames)
}

func TestSecondDataSocketForSameClientIsRejected(t *testing.T) {
	r := newTestRelay(t)
	_, ht, id, key := openSession(t, r)
	_, _, cid := addClient(t, r, ht, id)

	first := r.Attach(&fakeTransport{}, "/host/"+id+"/"+key+"/"+cid)
	second := r.Attach(&fakeTransport{}, "/host/"+id+"/"+key+"/"+cid)
	assert.False(t, first.Closed())
	assert.True(t, second.Closed())
	assert.Equal(t, 1, r.Sessions().Session(id).PairLen())
}

func TestWrongKeyLooksLikeUnknownSession(t *testing.T) {
	r := newTestRelay(t)
	_, ht, id, key := openSession(t, r)
	_, _, cid := addClient(t, r, ht, id)
	ht.reset()

	last := "x"
	if key[len(key)-1] == 'x' {
		last = "y"
	}
	wrong := &fakeTransport{}
	badKey := r.Attach(wrong, "/host/"+id+"/"+key[:len(key)-1]+last+"/"+cid)
	missing := &fakeTransport{}
	noSession := r.Attach(missing, "/host/nosuchsession/"+key+"/"+cid)

	for _, c := range []*Conn{badKey, noSession} {
		assert.True(t, c.Closed())
		assert.Equal(t, RoleHostData, c.Role())
	}
	assert.Equal(t, wrong.frames, missing.frames)
	assert.Equal(t, wrong.closeCalls, missing.closeCalls)
	assert.Empty(t, ht.frames)
	assert.True(t, r.Sessions().Session(id).IsPending(cid))
}

func TestClientForUnknownSessionIsClosed(t *testing.T) {
	r := newTestRelay(t)
	ct := &fakeTransport{}
	c := r.Attach(ct, "/client/missing")
	assert.True(t, c.Closed())
	assert.Equal(t, RoleClient, c.Role())
	assert.Empty(t, ct.frames)
}

func TestBadPathIsClosed(t *testing.T) {
	r := newTestRelay(t)
	for _, p := range []string{"", "/", "/nope", "/host/a/b", "/client"} {
		ft := &fakeTransport{}
		c := r.Attach(ft, p)
		assert.True(t, c.Closed(), p)
		assert.True(t, ft.closed, p)
		assert.Equal(t, RoleUndecided, c.Role(), p)
	}
	assert.Equal(t, 0, r.Sessions().Len())
}

func TestClosingPendingClientOnlyRemovesItself(t *testing.T) {
	r := newTestRelay(t)
	_, ht, id, key := openSession(t, r)
	a, _, aid := addClient(t, r, ht, id)
	_, _, bid := addClient(t, r, ht, id)
	_, _, pid := addClient(t, r, ht, id)
	r.Attach(&fakeTransport{}, "/host/"+id+"/"+key+"/"+pid)
	s := r.Sessions().Session(id)

	a.Close()
	assert.False(t, s.IsPending(aid))
	assert.True(t, s.IsPending(bid))
	_, paired := s.Pair(pid)
	assert.True(t, paired)
	assert.Equal(t, 1, s.PendingLen())
	assert.Equal(t, 1, s.PairLen())
}

func TestClosingEitherHalfClosesPair(t *testing.T) {
	for _, closeClient := range []bool{true, false} {
		r := newTestRelay(t)
		_, ht, id, key := openSession(t, r)
		client, ct, cid := addClient(t, r, ht, id)
		dt := &fakeTransport{}
		data := r.Attach(dt, "/host/"+id+"/"+key+"/"+cid)
		s := r.Sessions().Session(id)

		if closeClient {
			client.Close()
		} else {
			data.Close()
		}
		assert.True(t, client.Closed())
		assert.True(t, data.Closed())
		assert.True(t, ct.closed)
		assert.True(t, dt.closed)
		assert.Equal(t, 0, s.PairLen())
		assert.False(t, s.IsPending(cid))

		client.Close()
		data.Close()
		assert.Equal(t, 1, ct.closeCalls)
		assert.Equal(t, 1, dt.closeCalls)
	}
}

func TestFramesAfterTeardownAreNotForwarded(t *testing.T) {
	r := newTestRelay(t)
	_, ht, id, key := openSession(t, r)
	client, _, cid := addClient(t, r, ht, id)
	dt := &fakeTransport{}
	data := r.Attach(dt, "/host/"+id+"/"+key+"/"+cid)
	data.Close()
	client.HandleFrame(Frame{Type: BinaryMessage, Data: []byte("late")})
	assert.Empty(t, dt.frames)
}

func TestHostCloseEndsSession(t *testing.T) {
	r := newTestRelay(t)
	host, ht, id, key := openSession(t, r)
	pendingClient, pct, _ := addClient(t, r, ht, id)
	paired, pairedT, pid := addClient(t, r, ht, id)
	dt := &fakeTransport{}
	data := r.Attach(dt, "/host/"+id+"/"+key+"/"+pid)

	host.Close()
	assert.Nil(t, r.Sessions().Session(id))
	assert.True(t, pendingClient.Closed())
	assert.True(t, pct.closed)
	assert.False(t, paired.Closed(), "established pairs outlive the control channel")
	assert.False(t, data.Closed())

	pairedT.reset()
	data.HandleFrame(Frame{Type: BinaryMessage, Data: []byte("still up")})
	assert.Len(t, pairedT.frames, 1)

	late := r.Attach(&fakeTransport{}, "/client/"+id)
	assert.True(t, late.Closed())
}

func TestRegistryReleaseOnClose(t *testing.T) {
	r := newTestRelay(t)
	host, _, _, _ := openSession(t, r)
	assert.Len(t, r.Registry().Live(), 1)
	r.TransportClosed(host)
	assert.Empty(t, r.Registry().Live())
	_, ok := r.Registry().Lookup(host.ID())
	assert.True(t, ok, "released connections remain registered during the grace window")
}
