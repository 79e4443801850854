package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortProxy/PortProxy-Server/internal/proto"
	"github.com/PortProxy/PortProxy-Server/internal/relay"
)

func newTestServer(t *testing.T, cfg Config) (*relay.Relay, *httptest.Server) {
	t.Helper()
	r := relay.New(relay.Config{ConnGrace: time.Minute}, nil)
	go func() { _ = r.Run(context.Background()) }()
	hs := httptest.NewServer(New(r, cfg).Handler())
	t.Cleanup(func() {
		r.Close()
		hs.Close()
	})
	return r, hs
}

func dial(t *testing.T, hs *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(hs.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readPacket(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestRendezvousOverWebSocket(t *testing.T) {
	_, hs := newTestServer(t, Config{})

	host := dial(t, hs, "/host")
	details := readPacket(t, host)
	require.Equal(t, proto.SessionDetails, details[proto.PacketIDField])
	sid := details["id"].(string)
	key := details["key"].(string)
	assert.Len(t, sid, 60)
	assert.Len(t, key, 300)

	client := dial(t, hs, "/client/"+sid)
	announce := readPacket(t, host)
	require.Equal(t, proto.NewClient, announce[proto.PacketIDField])
	cid := announce["id"].(string)

	data := dial(t, hs, "/host/"+sid+"/"+key+"/"+cid)
	connected := readPacket(t, client)
	assert.Equal(t, proto.ClientConnected, connected[proto.PacketIDField])

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("ping")))
	_ = data.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, got, err := data.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, "ping", string(got))

	require.NoError(t, data.WriteMessage(websocket.TextMessage, []byte("pong")))
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, got, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "pong", string(got))

	require.NoError(t, client.Close())
	_ = data.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = data.ReadMessage()
	assert.Error(t, err)
}

func TestUnknownSessionIsClosed(t *testing.T) {
	_, hs := newTestServer(t, Config{})

	for _, path := range []string{"/client/nope", "/host/nope/key/cid", "/bogus"} {
		ws := dial(t, hs, path)
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := ws.ReadMessage()
		assert.Error(t, err, path)
	}
}

func TestWrongDataKeyIsClosed(t *testing.T) {
	_, hs := newTestServer(t, Config{})

	host := dial(t, hs, "/host")
	details := readPacket(t, host)
	sid := details["id"].(string)
	dial(t, hs, "/client/"+sid)
	cid := readPacket(t, host)["id"].(string)

	data := dial(t, hs, "/host/"+sid+"/wrong/"+cid)
	_ = data.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := data.ReadMessage()
	assert.Error(t, err)
}

func TestKeepAliveReply(t *testing.T) {
	_, hs := newTestServer(t, Config{})

	host := dial(t, hs, "/host")
	readPacket(t, host)
	require.NoError(t, host.WriteMessage(websocket.TextMessage, []byte(`{"packetId":"keep_alive"}`)))
	assert.Equal(t, proto.KeepAlive, readPacket(t, host)[proto.PacketIDField])
}

func TestRateLimitedAttach(t *testing.T) {
	_, hs := newTestServer(t, Config{PerIPConnRate: 1, ConnBurst: 1})

	dial(t, hs, "/host")
	u := "ws" + strings.TrimPrefix(hs.URL, "http") + "/host"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	r := relay.New(relay.Config{}, nil)
	go func() { _ = r.Run(context.Background()) }()
	t.Cleanup(r.Close)

	s := New(r, Config{})
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start("127.0.0.1:0"))
	assert.ErrorIs(t, s.Start("127.0.0.1:0"), ErrAlreadyRunning)
	require.NotNil(t, s.Addr())

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/host", nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)

	require.NoError(t, s.Start("127.0.0.1:0"))
	require.NoError(t, s.Stop(context.Background()))
}
