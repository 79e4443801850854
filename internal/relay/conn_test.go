package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortProxy/PortProxy-Server/internal/schema"
)

func controlConn(t *testing.T) (*Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := newConn(ft)
	c.id = "ctl"
	c.assignRole(RoleHostControl)
	c.installControlListeners()
	return c, ft
}

func text(s string) Frame { return Frame{Type: TextMessage, Data: []byte(s)} }

func TestSendTagsPacketID(t *testing.T) {
	c, ft := controlConn(t)
	c.Send("new_client", map[string]any{"id": "C"})
	pkts := ft.packets(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, map[string]any{"packetId": "new_client", "id": "C"}, pkts[0])
}

func TestSendWithPacketIDPanics(t *testing.T) {
	c, ft := controlConn(t)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrPacketIDInPayload))
		assert.Empty(t, ft.frames)
	}()
	c.Send("keep_alive", map[string]any{"packetId": "x"})
}

func TestKeepAliveIsAnswered(t *testing.T) {
	c, ft := controlConn(t)
	c.HandleFrame(text(`{"packetId":"keep_alive"}`))
	assert.Equal(t, []string{"keep_alive"}, ft.packetIDs(t))
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	c, ft := controlConn(t)
	for _, raw := range []string{`not json`, `{}`, `{"packetId":5}`, `[1,2]`, `{"packetId":"unknown"}`} {
		c.HandleFrame(text(raw))
	}
	assert.False(t, c.Closed())
	assert.False(t, ft.closed)
	assert.Empty(t, ft.frames)

	c.HandleFrame(text(`{"packetId":"keep_alive"}`))
	assert.Equal(t, []string{"keep_alive"}, ft.packetIDs(t))
}

func TestListenerSchemaMismatchSkipsOnlyThatListener(t *testing.T) {
	c, _ := controlConn(t)
	var strict, loose []map[string]any
	c.On("probe", schema.Fields{"n": schema.Leaf(schema.Int)}, func(p map[string]any) error {
		strict = append(strict, p)
		return nil
	})
	c.On("probe", schema.Fields{"name": schema.Leaf(schema.String)}, func(p map[string]any) error {
		loose = append(loose, p)
		return nil
	})

	c.HandleFrame(text(`{"packetId":"probe","n":1.5,"name":"x"}`))
	assert.Empty(t, strict)
	require.Len(t, loose, 1)
	assert.Equal(t, map[string]any{"name": "x"}, loose[0])

	c.HandleFrame(text(`{"packetId":"probe","n":2,"name":"y"}`))
	require.Len(t, strict, 1)
	assert.Equal(t, int64(2), strict[0]["n"])
	assert.Len(t, loose, 2)
}

func TestFailingListenersAreIsolated(t *testing.T) {
	c, _ := controlConn(t)
	calls := 0
	c.On("probe", nil, func(map[string]any) error { panic("boom") })
	c.On("probe", nil, func(map[string]any) error { return errors.New("nope") })
	c.On("probe", nil, func(map[string]any) error { calls++; return nil })

	c.HandleFrame(text(`{"packetId":"probe"}`))
	c.HandleFrame(text(`{"packetId":"probe"}`))
	assert.Equal(t, 2, calls)
	assert.False(t, c.Closed())
}

func TestOffRemovesListener(t *testing.T) {
	c, _ := controlConn(t)
	calls := 0
	h := c.On("probe", nil, func(map[string]any) error { calls++; return nil })
	c.HandleFrame(text(`{"packetId":"probe"}`))
	assert.True(t, c.Off(h))
	assert.False(t, c.Off(h))
	c.HandleFrame(text(`{"packetId":"probe"}`))
	assert.Equal(t, 1, calls)
}

func TestClosePacketIDDoesNotFireCloseListeners(t *testing.T) {
	c, _ := controlConn(t)
	fired := false
	c.OnClose(func() { fired = true })
	c.HandleFrame(text(`{"packetId":"close"}`))
	assert.False(t, fired)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, ft := controlConn(t)
	closes := 0
	c.OnClose(func() { closes++ })
	c.OnClose(func() { panic("listener failure") })
	other := 0
	c.OnClose(func() { other++ })

	c.Close()
	c.Close()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, other)
	assert.Equal(t, 1, ft.closeCalls)
	assert.Empty(t, c.listeners)

	c.HandleFrame(text(`{"packetId":"keep_alive"}`))
	assert.Empty(t, ft.frames)
}

func TestNonControlFramesAreDropped(t *testing.T) {
	ft := &fakeTransport{}
	c := newConn(ft)
	c.assignRole(RoleClient)
	fired := false
	c.On("keep_alive", nil, func(map[string]any) error { fired = true; return nil })
	c.HandleFrame(text(`{"packetId":"keep_alive"}`))
	assert.False(t, fired)
	assert.Empty(t, ft.frames)
}

func TestRoleAssignedOnce(t *testing.T) {
	c := newConn(&fakeTransport{})
	c.assignRole(RoleClient)
	assert.Panics(t, func() { c.assignRole(RoleHostData) })
	assert.Equal(t, RoleClient, c.Role())
}
