package websocket

import (
	"sync"
	"time"

	"guild-console/internal/auth"
	"guild-console/internal/metrics"

	"github.com/gorilla/websocket"
)

// Conn is one live connection. A nil principal means a server peer.
type Conn struct {
	id        string
	principal *auth.Principal
	peer      bool

	mu      sync.Mutex
	allowed map[string]struct{}
	subs    map[string]struct{}
	alive   bool

	sendMu sync.Mutex
	queue  chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	ws *websocket.Conn
}

func newConn(id string, p *auth.Principal, peer bool, allowed []string, queueSize int, ws *websocket.Conn) *Conn {
	if queueSize < 1 {
		queueSize = 1
	}
	c := &Conn{
		id:        id,
		principal: p,
		peer:      peer,
		allowed:   make(map[string]struct{}, len(allowed)),
		subs:      make(map[string]struct{}),
		alive:     true,
		queue:     make(chan []byte, queueSize),
		closed:    make(chan struct{}),
		ws:        ws,
	}
	for _, g := range allowed {
		c.allowed[g] = struct{}{}
	}
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) IsServerPeer() bool { return c.peer }

// Principal returns the authenticated principal, or nil for server peers.
func (c *Conn) Principal() *auth.Principal { return c.principal }

// Subscriptions returns a copy of the subscribed guild ids.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for g := range c.subs {
		out = append(out, g)
	}
	return out
}

func (c *Conn) isAllowed(guildID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.allowed[guildID]
	return ok
}

func (c *Conn) disallow(guildID string) {
	c.mu.Lock()
	delete(c.allowed, guildID)
	delete(c.subs, guildID)
	c.mu.Unlock()
}

func (c *Conn) subscribe(guildID string) {
	c.mu.Lock()
	c.subs[guildID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) unsubscribe(guildID string) {
	c.mu.Lock()
	delete(c.subs, guildID)
	c.mu.Unlock()
}

// wants reports whether an event for guildID ("" for global) should reach c.
func (c *Conn) wants(guildID string) bool {
	if c.peer {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if guildID == "" {
		return len(c.subs) == 0
	}
	_, ok := c.subs[guildID]
	return ok
}

// MarkAlive records a pong.
func (c *Conn) MarkAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// checkAlive reports whether a pong arrived since the previous check and resets the flag.
func (c *Conn) checkAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

// send enqueues frame. When the queue is full the oldest frame is dropped so a slow
// reader never blocks a broadcast.
func (c *Conn) send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for {
		select {
		case c.queue <- frame:
			return true
		default:
		}
		select {
		case <-c.queue:
			metrics.LiveMessagesDropped.Inc()
		default:
		}
	}
}

func (c *Conn) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		close(c.closed)
		closed = true
		if c.ws != nil {
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.ws.Close()
		}
	})
	return closed
}

// Done is closed when the connection is terminated.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) ping(deadline time.Time) {
	if c.ws == nil {
		return
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.close()
	}
}
