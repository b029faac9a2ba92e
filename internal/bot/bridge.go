// Package bot connects the console to the moderation bot process and to the operator's
// Telegram feed.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guild-console/internal/logging"
	"guild-console/internal/notify"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// GlobalToken is the subject token for events that belong to no guild.
const GlobalToken = "global"

// MessageBotEvent is the live message type of forwarded bot events.
const MessageBotEvent = "bot_event"

// ConfigRecord is one field change as the bot process consumes it.
type ConfigRecord struct {
	ChangeID  string      `json:"changeId"`
	Kind      string      `json:"kind"`
	GuildID   string      `json:"guildId"`
	Category  string      `json:"category"`
	FieldName string      `json:"fieldName"`
	Before    interface{} `json:"before"`
	After     interface{} `json:"after"`
	ActorID   string      `json:"actorId"`
	Message   string      `json:"message"`
}

// Event is a moderation event published by the bot process.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Broadcaster is the part of the live hub the bridge forwards into.
type Broadcaster interface {
	Broadcast(guildID, msgType string, payload interface{}) int
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// PeerBridge publishes confirmations to <configSubject>.<guild> and forwards
// <eventsSubject>.<guild> messages into the hub.
type PeerBridge struct {
	nc            *nats.Conn
	configSubject string
	eventsSubject string
	hub           Broadcaster
	log           zerolog.Logger
}

func NewPeerBridge(nc *nats.Conn, configSubject, eventsSubject string, hub Broadcaster) *PeerBridge {
	return &PeerBridge{
		nc:            nc,
		configSubject: strings.TrimSuffix(configSubject, "."),
		eventsSubject: strings.TrimSuffix(eventsSubject, "."),
		hub:           hub,
		log:           logging.With("bridge"),
	}
}

func (b *PeerBridge) Name() string { return "nats" }

// Records expands a confirmation into per-field records. A reset becomes a single record
// with field name "*".
func Records(c notify.Confirmation) []ConfigRecord {
	base := ConfigRecord{
		ChangeID: c.ID,
		Kind:     c.Kind,
		GuildID:  c.GuildID,
		ActorID:  c.ActorID,
		Message:  c.Message,
	}
	if len(c.Fields) == 0 {
		r := base
		r.FieldName = "*"
		return []ConfigRecord{r}
	}
	out := make([]ConfigRecord, 0, len(c.Fields))
	for _, f := range c.Fields {
		r := base
		r.Category = f.Category
		r.FieldName = f.Field
		r.Before = f.Before
		r.After = f.After
		out = append(out, r)
	}
	return out
}

func (b *PeerBridge) Deliver(ctx context.Context, c notify.Confirmation) error {
	subject := b.configSubject + "." + c.GuildID
	for _, r := range Records(c) {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode config record: %w", err)
		}
		if err := b.nc.Publish(subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return b.nc.FlushWithContext(ctx)
}

// guildFromSubject returns the guild id of an events subject, "" for global events.
func (b *PeerBridge) guildFromSubject(subject string) (string, bool) {
	rest := strings.TrimPrefix(subject, b.eventsSubject+".")
	if rest == subject || rest == "" || strings.Contains(rest, ".") {
		return "", false
	}
	if rest == GlobalToken {
		return "", true
	}
	return rest, true
}

func (b *PeerBridge) handle(msg *nats.Msg) {
	guildID, ok := b.guildFromSubject(msg.Subject)
	if !ok {
		b.log.Warn().Str("subject", msg.Subject).Msg("ignoring bot event on unexpected subject")
		return
	}
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed bot event")
		return
	}
	n := b.hub.Broadcast(guildID, MessageBotEvent, ev)
	b.log.Debug().Str("guild_id", guildID).Str("event", ev.Event).Int("delivered", n).Msg("bot event forwarded")
}

// Serve subscribes to bot events until ctx is done.
func (b *PeerBridge) Serve(ctx context.Context) error {
	sub, err := b.nc.Subscribe(b.eventsSubject+".>", b.handle)
	if err != nil {
		return fmt.Errorf("subscribe bot events: %w", err)
	}
	b.log.Info().Str("subject", sub.Subject).Msg("bot event bridge started")
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("drain bot event subscription")
	}
	return ctx.Err()
}
