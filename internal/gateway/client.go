package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"watchsync-server/internal/monitoring"
	"watchsync-server/internal/types"
)

// sendBuffer sizes the per-client outgoing channel. A 5-person room emits a
// handful of events per second at most; 256 slots is minutes of headroom.
const sendBuffer = 256

// slowClientStrikes is how many consecutive full-buffer drops a client gets
// before being disconnected.
const slowClientStrikes = 3

// Client is one WebSocket connection. Identity is fixed at upgrade time;
// room membership and voice state change under mu as the client moves
// through room:join, voice:join, and their inverses.
type Client struct {
	id       int64
	socketID string
	conn     net.Conn
	server   *Server
	send     chan []byte
	done     chan struct{} // closed on disconnect; send stays open

	closeOnce sync.Once

	// Identity from the bearer token; empty userID means guest.
	userID      string
	displayName string

	mu          sync.Mutex
	roomID      string
	participant *types.Participant
	inVoice     bool

	sendAttempts     int32
	slowClientWarned int32
	connectedAt      time.Time
}

// session returns the current room id and participant, or ("", nil) when
// the client has not joined a room.
func (c *Client) session() (string, *types.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.participant == nil {
		return "", nil
	}
	p := *c.participant
	return c.roomID, &p
}

func (c *Client) setSession(roomID string, p *types.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.participant = p
	if p == nil {
		c.inVoice = false
	}
}

func (c *Client) setInVoice(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inVoice = v
}

func (c *Client) isInVoice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inVoice
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// counts a strike; three in a row marks the client slow and the caller
// disconnects it.
func (c *Client) enqueue(frame []byte) (ok bool, slow bool) {
	select {
	case <-c.done:
		return false, false
	default:
	}
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true, false
	default:
		monitoring.DroppedBroadcasts.WithLabelValues("buffer_full").Inc()
		strikes := atomic.AddInt32(&c.sendAttempts, 1)
		if strikes >= slowClientStrikes {
			if atomic.CompareAndSwapInt32(&c.slowClientWarned, 0, 1) {
				monitoring.SlowClientsDisconnected.Inc()
			}
			return false, true
		}
		return false, false
	}
}
