// Package agent implements the two peers of a relay session: a Host that
// exposes a local TCP service and a Connector that reaches it.
package agent

import (
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
)

const (
	chunkSize    = 32 << 10
	writeTimeout = 10 * time.Second
)

var defaultDialer = &websocket.Dialer{
	ReadBufferSize:   chunkSize,
	WriteBufferSize:  chunkSize,
	HandshakeTimeout: 45 * time.Second,
}

// attachURL joins base with path segments, switching http(s) to ws(s).
func attachURL(base string, segments ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	u.RawPath = strings.TrimRight(u.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	return u.String(), nil
}

// pipe copies frames from ws into conn and bytes from conn into ws as binary
// frames until either side ends. It closes both and returns the byte counts.
func pipe(ws *websocket.Conn, conn io.ReadWriteCloser) (in, out int64) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = ws.Close()
			_ = conn.Close()
		})
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			n, err := conn.Write(data)
			in += int64(n)
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		buf := make([]byte, chunkSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
				out += int64(n)
			}
			if err != nil {
				if err != io.EOF {
					obs.Debug("agent.pipe.read", obs.Fields{"err": err.Error()})
				}
				return
			}
		}
	}()
	wg.Wait()
	return in, out
}
