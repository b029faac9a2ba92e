package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"guild-console/internal/notify"
	"guild-console/internal/store"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"gopkg.in/telebot.v3"
)

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := Connect(ns.ClientURL(), "console-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)
	return nc
}

type broadcast struct {
	guildID string
	msgType string
	payload interface{}
}

type recordingHub struct {
	mu  sync.Mutex
	got []broadcast
}

func (h *recordingHub) Broadcast(guildID, msgType string, payload interface{}) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, broadcast{guildID, msgType, payload})
	return 1
}

func (h *recordingHub) snapshot() []broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcast(nil), h.got...)
}

func confirmation() notify.Confirmation {
	return notify.Confirmation{
		Change: notify.Change{
			ID:      "01J0000000000000000000TEST",
			GuildID: "1001",
			ActorID: "A",
			Kind:    notify.KindUpdate,
			Fields: []notify.FieldChange{
				{Field: "anti_spam_enabled", Category: "protection", Before: false, After: true},
				{Field: "max_mentions", Category: "limits", Before: 5, After: 8},
			},
		},
		Message: "2 settings updated: anti_spam_enabled, max_mentions",
	}
}

func TestBridgePublishesOneRecordPerField(t *testing.T) {
	nc := runNATS(t)
	bridge := NewPeerBridge(nc, "console.config", "bot.events", &recordingHub{})

	sub, err := nc.SubscribeSync("console.config.1001")
	if err != nil {
		t.Fatal(err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bridge.Deliver(ctx, confirmation()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	var records []ConfigRecord
	for i := 0; i < 2; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		var r ConfigRecord
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			t.Fatal(err)
		}
		records = append(records, r)
	}
	if records[0].FieldName != "anti_spam_enabled" || records[0].Category != "protection" || records[0].After != true {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if records[1].GuildID != "1001" || records[1].ActorID != "A" || records[1].FieldName != "max_mentions" {
		t.Fatalf("unexpected second record %+v", records[1])
	}
}

func TestRecordsForReset(t *testing.T) {
	c := notify.Confirmation{Change: notify.Change{ID: "r1", GuildID: "1001", Kind: notify.KindReset}}
	got := Records(c)
	if len(got) != 1 || got[0].FieldName != "*" || got[0].Kind != notify.KindReset {
		t.Fatalf("reset records = %+v", got)
	}
}

func TestBridgeForwardsBotEvents(t *testing.T) {
	nc := runNATS(t)
	hub := &recordingHub{}
	bridge := NewPeerBridge(nc, "console.config", "bot.events", hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for nc.NumSubscriptions() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	publish := func(subject, body string) {
		if err := nc.Publish(subject, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	publish("bot.events.1001", `{"event":"member_banned","data":{"user":"7"}}`)
	publish("bot.events.global", `{"event":"bot_restarted"}`)
	publish("bot.events.1001", `not json`)
	publish("bot.events.1001.extra", `{"event":"ignored"}`)
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	for len(hub.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("forwarded %d events, want 2", len(hub.snapshot()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	got := hub.snapshot()
	if len(got) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(got))
	}
	if got[0].guildID != "1001" || got[0].msgType != MessageBotEvent || got[0].payload.(Event).Event != "member_banned" {
		t.Fatalf("unexpected guild event %+v", got[0])
	}
	if got[1].guildID != "" || got[1].payload.(Event).Event != "bot_restarted" {
		t.Fatalf("global event should broadcast with an empty guild, got %+v", got[1])
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

type fakeSender struct {
	mu   sync.Mutex
	to   []string
	text []string
	err  error
}

func (f *fakeSender) Send(to telebot.Recipient, what interface{}, _ ...interface{}) (*telebot.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.to = append(f.to, to.Recipient())
	f.text = append(f.text, what.(string))
	return &telebot.Message{}, nil
}

func TestTelegramNotifier(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	sender := &fakeSender{}
	var built []string
	n := NewTelegramNotifier(db)
	n.newSender = func(token string) (Sender, error) {
		built = append(built, token)
		return sender, nil
	}
	ctx := context.Background()

	if err := n.Deliver(ctx, confirmation()); err != nil {
		t.Fatalf("unconfigured feed should be a no-op: %v", err)
	}
	if len(sender.text) != 0 {
		t.Fatal("nothing should be sent while unconfigured")
	}

	if err := SaveTelegramConfig(db, TelegramConfig{BotToken: "123:abc", ChatID: "not-a-number"}); err == nil {
		t.Fatal("non-numeric chat id should be rejected")
	}
	if err := SaveTelegramConfig(db, TelegramConfig{BotToken: "123:abc", ChatID: "-1004242"}); err != nil {
		t.Fatal(err)
	}
	if err := n.Deliver(ctx, confirmation()); err != nil {
		t.Fatal(err)
	}
	if err := n.Deliver(ctx, confirmation()); err != nil {
		t.Fatal(err)
	}
	if len(sender.to) != 2 || sender.to[0] != "-1004242" {
		t.Fatalf("sent to %v", sender.to)
	}
	if !strings.Contains(sender.text[0], "[1001] 2 settings updated") {
		t.Fatalf("text = %q", sender.text[0])
	}
	if len(built) != 1 {
		t.Fatalf("sender should be reused for an unchanged token, built %d", len(built))
	}

	if err := SaveTelegramConfig(db, TelegramConfig{BotToken: "456:def", ChatID: "-1004242"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadTelegramConfig(db)
	if err != nil || cfg.BotToken != "456:def" {
		t.Fatalf("config = %+v, %v", cfg, err)
	}
	sender.err = errors.New("telegram down")
	if err := n.Deliver(ctx, confirmation()); err == nil {
		t.Fatal("send failure should be reported to the dispatcher")
	}
	if len(built) != 2 {
		t.Fatal("token change should rebuild the sender")
	}
}

func TestStartReplyCarriesChatID(t *testing.T) {
	if got := StartReply(-100123); !strings.Contains(got, "-100123") {
		t.Fatalf("reply = %q", got)
	}
}
