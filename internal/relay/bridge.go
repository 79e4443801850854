package relay

import (
	"time"

	"github.com/jpillora/sizestr"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
	"github.com/PortProxy/PortProxy-Server/internal/proto"
)

// Pair is a client bridged to a host data channel. Both ends close together.
type Pair struct {
	ClientID string
	Client   *Conn
	HostData *Conn
	created  time.Time
	bytes    int64
}

// bridge links client and hostData so that every frame received on one is
// sent verbatim on the other, then tells each client-role end the tunnel is up.
func bridge(clientID string, client, hostData *Conn) *Pair {
	p := &Pair{ClientID: clientID, Client: client, HostData: hostData, created: time.Now()}
	client.pair = p
	hostData.pair = p
	for _, end := range []*Conn{client, hostData} {
		if end.role == RoleClient {
			end.Send(proto.ClientConnected, nil)
		}
	}
	return p
}

func (p *Pair) peerOf(c *Conn) *Conn {
	if c == p.Client {
		return p.HostData
	}
	return p.Client
}

func (p *Pair) forward(from *Conn, f Frame) {
	to := p.peerOf(from)
	if to.closed {
		return
	}
	to.transport.Send(f)
	p.bytes += int64(len(f.Data))
	obs.BridgedBytesTotal.Add(float64(len(f.Data)))
}

// Bytes is the payload volume forwarded in both directions so far.
func (p *Pair) Bytes() int64 { return p.bytes }

func (p *Pair) close() {
	p.HostData.Close()
	p.Client.Close()
	lifetime := time.Since(p.created)
	obs.PairDurationSeconds.Observe(lifetime.Seconds())
	obs.Info("pair.closed", obs.Fields{
		"client":   p.ClientID,
		"duration": lifetime.String(),
		"bytes":    sizestr.ToString(p.bytes),
	})
}
