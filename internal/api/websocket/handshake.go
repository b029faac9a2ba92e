package websocket

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"guild-console/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// PeerSecretHeader carries the server peer secret on socket and billing requests.
	PeerSecretHeader = "X-Peer-Secret"
	subprotocolPeer  = "peer."
	// Subprotocol is the application protocol name echoed to browsers.
	Subprotocol = "console.v1"

	maxMessageSize = 8 * 1024
	writeWait      = 10 * time.Second
)

// PeerSecretMatches compares presented against the configured secret in constant time.
// An empty configured secret never matches.
func PeerSecretMatches(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

func peerSecretFrom(r *http.Request) string {
	if s := r.Header.Get(PeerSecretHeader); s != "" {
		return s
	}
	if s := r.URL.Query().Get("secret"); s != "" {
		return s
	}
	for _, p := range auth.Subprotocols(r) {
		if strings.HasPrefix(p, subprotocolPeer) {
			return strings.TrimPrefix(p, subprotocolPeer)
		}
	}
	return ""
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	return OriginAllowed(h.opts.AllowedOrigins, r)
}

// OriginAllowed reports whether the browser origin of r may use the console. Requests
// without an Origin header and same-host origins always pass; any other origin must be
// listed, or the list must contain "*".
func OriginAllowed(allowed []string, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// responseProtocol picks the sub-protocol to echo. Browsers reject the upgrade when a
// requested protocol is not echoed back.
func responseProtocol(r *http.Request) string {
	offered := auth.Subprotocols(r)
	for _, p := range offered {
		if p == Subprotocol {
			return p
		}
	}
	if len(offered) > 0 {
		return offered[0]
	}
	return ""
}

// Handler authenticates the handshake before upgrading. A failed secret, token or guild
// check is answered with a plain HTTP error and no upgrade.
func (h *Hub) Handler() gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return func(c *gin.Context) {
		r := c.Request
		var (
			principal *auth.Principal
			peer      bool
			allowed   []string
		)

		if secret := peerSecretFrom(r); secret != "" {
			if !PeerSecretMatches(h.opts.PeerSecret, secret) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid peer secret"})
				return
			}
			peer = true
		} else {
			p, err := h.verifier.Verify(auth.SocketToken(r, h.opts.CookieName))
			if err != nil {
				if errors.Is(err, auth.ErrSessionUnavailable) {
					c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
					return
				}
				c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
				return
			}
			for _, guildID := range c.QueryArray("guild") {
				if guildID == "" {
					continue
				}
				v, err := h.authz.Authorize(r.Context(), p, guildID, false)
				if err != nil {
					c.JSON(http.StatusServiceUnavailable, gin.H{"error": "access check unavailable"})
					return
				}
				if !v.Authorized {
					c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
					return
				}
				allowed = append(allowed, guildID)
			}
			principal = &p
		}

		header := http.Header{}
		if proto := responseProtocol(r); proto != "" {
			header.Set("Sec-WebSocket-Protocol", proto)
		}
		ws, err := upgrader.Upgrade(c.Writer, r, header)
		if err != nil {
			h.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		conn := newConn(uuid.NewString(), principal, peer, allowed, h.opts.QueueSize, ws)
		h.register(conn)
		go h.writePump(conn)
		h.readPump(conn)
	}
}

func (h *Hub) writePump(c *Conn) {
	defer h.Terminate(c, "write_closed")
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.queue:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug().Err(err).Str("conn_id", c.id).Msg("live write failed")
				return
			}
		}
	}
}

func (h *Hub) readPump(c *Conn) {
	defer h.Terminate(c, "client_closed")

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	for {
		_, p, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.log.Debug().Err(err).Str("conn_id", c.id).Msg("live read ended")
			}
			return
		}
		c.MarkAlive()

		var msg Message
		if err := json.Unmarshal(p, &msg); err != nil {
			h.reply(c, TypeError, "", "malformed message")
			continue
		}
		h.handle(c, msg)
	}
}

func (h *Hub) reply(c *Conn, msgType, guildID string, data interface{}) {
	frame, err := json.Marshal(Envelope{Type: msgType, GuildID: guildID, Data: data, At: h.now().UTC()})
	if err != nil {
		return
	}
	c.send(frame)
}

// handle processes one inbound message. It is shared by socket and attached connections.
func (h *Hub) handle(c *Conn, msg Message) {
	msg.GuildID = msg.Guild()
	switch msg.Type {
	case TypeSubscribe:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := h.Subscribe(ctx, c, msg.GuildID)
		cancel()
		switch {
		case err == nil:
			h.reply(c, TypeSubscribed, msg.GuildID, nil)
		case errors.Is(err, ErrTokenExpired):
		default:
			h.reply(c, TypeError, msg.GuildID, "subscription denied")
		}
	case TypeUnsubscribe:
		h.Unsubscribe(c, msg.GuildID)
		h.reply(c, TypeUnsubscribed, msg.GuildID, nil)
	case TypePing:
		h.reply(c, TypePong, "", nil)
	case TypePublish:
		if !c.peer {
			h.reply(c, TypeError, msg.GuildID, "publish is reserved for server peers")
			return
		}
		if h.OnPeerEvent != nil {
			h.OnPeerEvent(msg.GuildID, msg.Event, msg.Data)
		}
		h.Broadcast(msg.GuildID, TypeBotEvent, peerEvent{Event: msg.Event, Data: msg.Data})
	default:
		h.reply(c, TypeError, "", "unknown message type")
	}
}

type peerEvent struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
