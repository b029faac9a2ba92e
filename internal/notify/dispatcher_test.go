package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	name string
	err  error

	mu  sync.Mutex
	got []Confirmation
	ch  chan Confirmation
}

func newRecordingSink(name string, err error) *recordingSink {
	return &recordingSink{name: name, err: err, ch: make(chan Confirmation, 16)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, c Confirmation) error {
	s.mu.Lock()
	s.got = append(s.got, c)
	s.mu.Unlock()
	s.ch <- c
	return s.err
}

func (s *recordingSink) wait(t *testing.T) Confirmation {
	t.Helper()
	select {
	case c := <-s.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("sink %s received nothing", s.name)
		return Confirmation{}
	}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestFormat(t *testing.T) {
	single := Change{Fields: []FieldChange{{Field: "anti_spam_enabled", Before: false, After: true}}}
	if got := Format(single); got != "Setting anti_spam_enabled changed from false to true" {
		t.Errorf("single = %q", got)
	}

	empty := Change{Fields: []FieldChange{{Field: "log_channel_id", Before: "", After: "123456789012345678"}}}
	if got := Format(empty); got != "Setting log_channel_id changed from (empty) to 123456789012345678" {
		t.Errorf("empty value = %q", got)
	}

	multi := Change{Fields: []FieldChange{{Field: "a"}, {Field: "b"}, {Field: "c"}}}
	if got := Format(multi); got != "3 settings updated: a, b, c" {
		t.Errorf("multi = %q", got)
	}

	if got := Format(Change{Kind: KindReset}); got != "Settings reset to defaults" {
		t.Errorf("reset = %q", got)
	}
}

func TestDispatcherDeduplicatesChangeIDs(t *testing.T) {
	sink := newRecordingSink("rec", nil)
	d := NewDispatcher(8, time.Minute, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx) }()

	c := Change{ID: "chg-1", GuildID: "g1", Fields: []FieldChange{{Field: "x", Before: 1, After: 2}}}
	if !d.Notify(c) {
		t.Fatal("first notify should be accepted")
	}
	if d.Notify(c) {
		t.Fatal("duplicate change id should be dropped")
	}

	got := sink.wait(t)
	if got.Message != "Setting x changed from 1 to 2" || got.GuildID != "g1" {
		t.Fatalf("unexpected confirmation %+v", got)
	}

	d.Notify(Change{ID: "chg-2", GuildID: "g1"})
	sink.wait(t)
	if n := sink.count(); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
}

func TestSinkErrorsAreSwallowed(t *testing.T) {
	failing := newRecordingSink("failing", errors.New("boom"))
	ok := newRecordingSink("ok", nil)
	d := NewDispatcher(4, time.Minute, failing, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx) }()

	d.Notify(Change{ID: "chg-1", GuildID: "g1"})
	failing.wait(t)
	ok.wait(t)
}

func TestNotifyNeverBlocks(t *testing.T) {
	d := NewDispatcher(1, time.Minute)

	if !d.Notify(Change{ID: "a"}) {
		t.Fatal("queue has room for one")
	}
	done := make(chan bool, 1)
	go func() { done <- d.Notify(Change{ID: "b"}) }()

	select {
	case accepted := <-done:
		if accepted {
			t.Fatal("full queue should drop")
		}
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	// A dropped change may be retried once there is room again.
	<-d.queue
	if !d.Notify(Change{ID: "b"}) {
		t.Fatal("dropped change id should not be remembered")
	}
}

type fakeHub struct {
	guild   string
	msgType string
	payload interface{}
}

func (h *fakeHub) Broadcast(guildID, msgType string, payload interface{}) int {
	h.guild, h.msgType, h.payload = guildID, msgType, payload
	return 1
}

func TestHubSinkBroadcastsToGuild(t *testing.T) {
	hub := &fakeHub{}
	s := NewHubSink(hub)
	c := Confirmation{Change: Change{ID: "x", GuildID: "g7"}, Message: "m"}
	if err := s.Deliver(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if hub.guild != "g7" || hub.msgType != MessageConfirmation {
		t.Fatalf("unexpected broadcast %+v", hub)
	}
}
