// Package websocket is the live event hub. Each connection is authenticated once at
// handshake and receives only the events its subscription set matches.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"guild-console/internal/access"
	"guild-console/internal/auth"
	"guild-console/internal/logging"
	"guild-console/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotAllowed   = errors.New("guild not allowed for this connection")
	ErrTokenExpired = errors.New("session expired")
)

// Message types exchanged with clients.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePing         = "ping"
	TypePong         = "pong"
	TypePublish      = "publish"
	TypeError        = "error"
	TypeBotEvent     = "bot_event"
)

// Message is an inbound client frame. tenantId is accepted as an alias of guildId.
type Message struct {
	Type     string          `json:"type"`
	GuildID  string          `json:"guildId,omitempty"`
	TenantID string          `json:"tenantId,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Guild returns the guild the frame refers to.
func (m Message) Guild() string {
	if m.GuildID != "" {
		return m.GuildID
	}
	return m.TenantID
}

// Envelope is an outbound frame.
type Envelope struct {
	Type    string      `json:"type"`
	GuildID string      `json:"guildId,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	At      time.Time   `json:"at"`
}

// Authorizer is the guild access check used for subscriptions.
type Authorizer interface {
	Authorize(ctx context.Context, p auth.Principal, guildID string, requireManage bool) (access.Verdict, error)
}

// TokenVerifier checks session tokens presented at handshake.
type TokenVerifier interface {
	Verify(raw string) (auth.Principal, error)
}

type Options struct {
	PeerSecret     string
	CookieName     string
	PingInterval   time.Duration
	QueueSize      int
	AllowedOrigins []string
}

// Hub is the registry of live connections.
type Hub struct {
	verifier TokenVerifier
	authz    Authorizer
	opts     Options
	now      func() time.Time
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	// OnPeerEvent, when set, receives events published by server peers before they are
	// broadcast.
	OnPeerEvent func(guildID, event string, data json.RawMessage)
}

func NewHub(verifier TokenVerifier, authz Authorizer, opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	return &Hub{
		verifier: verifier,
		authz:    authz,
		opts:     opts,
		now:      time.Now,
		log:      logging.With("live"),
		conns:    make(map[string]*Conn),
	}
}

// Attach registers a connection that is not backed by a socket, such as an in-process
// subscriber. A nil principal attaches a server peer.
func (h *Hub) Attach(p *auth.Principal, allowed []string) *Conn {
	c := newConn(uuid.NewString(), p, p == nil, allowed, h.opts.QueueSize, nil)
	h.register(c)
	return c
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.LiveConnections.Set(float64(n))
	h.log.Debug().Str("conn_id", c.id).Bool("server_peer", c.peer).Msg("connection registered")
}

// Terminate closes c and removes it from the registry.
func (h *Hub) Terminate(c *Conn, reason string) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()

	if c.close() || ok {
		metrics.LiveConnections.Set(float64(n))
		metrics.LiveTerminations.WithLabelValues(reason).Inc()
		h.log.Debug().Str("conn_id", c.id).Str("reason", reason).Msg("connection closed")
	}
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast delivers an event to the connections subscribed to guildID and to server
// peers. An empty guildID is a global event: it reaches peers and connections that have
// no subscription. It never blocks and returns the number of connections reached.
func (h *Hub) Broadcast(guildID, msgType string, payload interface{}) int {
	frame, err := json.Marshal(Envelope{Type: msgType, GuildID: guildID, Data: payload, At: h.now().UTC()})
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to encode live event")
		return 0
	}

	delivered := 0
	for _, c := range h.snapshot() {
		if c.wants(guildID) && c.send(frame) {
			delivered++
		}
	}
	return delivered
}

// Subscribe adds guildID to the subscriptions of c. Principal connections may subscribe
// only to guilds authorized at handshake, and the token expiry and the access check are
// evaluated again on every call.
func (h *Hub) Subscribe(ctx context.Context, c *Conn, guildID string) error {
	if guildID == "" {
		return ErrNotAllowed
	}
	if c.peer {
		c.subscribe(guildID)
		return nil
	}
	if c.principal == nil || c.principal.Expired(h.now()) {
		h.Terminate(c, "token_expired")
		return ErrTokenExpired
	}
	if !c.isAllowed(guildID) {
		return ErrNotAllowed
	}

	v, err := h.authz.Authorize(ctx, *c.principal, guildID, false)
	if err != nil {
		return err
	}
	if !v.Authorized {
		c.disallow(guildID)
		return ErrNotAllowed
	}
	c.subscribe(guildID)
	return nil
}

func (h *Hub) Unsubscribe(c *Conn, guildID string) {
	c.unsubscribe(guildID)
}

// Sweep terminates connections that did not answer the previous ping or whose session
// expired, and pings the rest. It returns the number terminated.
func (h *Hub) Sweep(now time.Time) int {
	terminated := 0
	for _, c := range h.snapshot() {
		if c.principal != nil && c.principal.Expired(now) {
			h.Terminate(c, "token_expired")
			terminated++
			continue
		}
		if !c.checkAlive() {
			h.Terminate(c, "ping_timeout")
			terminated++
			continue
		}
		c.ping(now.Add(h.opts.PingInterval))
	}
	return terminated
}

// Serve runs the liveness loop until ctx is done, then closes every connection.
func (h *Hub) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.snapshot() {
				h.Terminate(c, "shutdown")
			}
			return ctx.Err()
		case <-ticker.C:
			h.Sweep(h.now())
		}
	}
}
