// Package notify turns committed configuration changes into one confirmation per change
// and hands it to every registered sink.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"guild-console/internal/logging"
	"guild-console/internal/metrics"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	KindUpdate  = "update"
	KindReset   = "reset"
	KindBilling = "billing"
)

// FieldChange is one setting whose value moved from Before to After.
type FieldChange struct {
	Field    string      `json:"field"`
	Category string      `json:"category"`
	Before   interface{} `json:"before"`
	After    interface{} `json:"after"`
}

// Change is a committed configuration mutation. ID is unique per mutation and is used
// to suppress duplicate confirmations.
type Change struct {
	ID      string        `json:"change_id"`
	GuildID string        `json:"guild_id"`
	ActorID string        `json:"actor_id"`
	Kind    string        `json:"kind"`
	Fields  []FieldChange `json:"fields,omitempty"`
	At      time.Time     `json:"at"`
}

// Confirmation is what sinks deliver.
type Confirmation struct {
	Change
	Message string `json:"message"`
}

// Sink delivers confirmations to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, c Confirmation) error
}

// Dispatcher queues changes and fans confirmations out to sinks on its own goroutine.
type Dispatcher struct {
	queue chan Change
	seen  *cache.Cache
	log   zerolog.Logger

	mu    sync.RWMutex
	sinks []Sink

	sinkTimeout time.Duration
}

// NewDispatcher creates a dispatcher with a queue of size entries. Change ids are
// remembered for dedupTTL.
func NewDispatcher(size int, dedupTTL time.Duration, sinks ...Sink) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if dedupTTL <= 0 {
		dedupTTL = time.Hour
	}
	return &Dispatcher{
		queue:       make(chan Change, size),
		seen:        cache.New(dedupTTL, dedupTTL),
		log:         logging.With("notify"),
		sinks:       sinks,
		sinkTimeout: 5 * time.Second,
	}
}

func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Notify enqueues c without blocking. It returns false when c was a duplicate or the
// queue was full; both cases are logged and counted, never surfaced to the caller.
func (d *Dispatcher) Notify(c Change) bool {
	if c.ID != "" {
		if err := d.seen.Add(c.ID, struct{}{}, cache.DefaultExpiration); err != nil {
			metrics.ConfirmationsDropped.WithLabelValues("duplicate").Inc()
			d.log.Debug().Str("change_id", c.ID).Msg("duplicate change ignored")
			return false
		}
	}

	select {
	case d.queue <- c:
		return true
	default:
		if c.ID != "" {
			d.seen.Delete(c.ID)
		}
		metrics.ConfirmationsDropped.WithLabelValues("queue_full").Inc()
		d.log.Warn().Str("change_id", c.ID).Str("guild_id", c.GuildID).Msg("confirmation queue full, change dropped")
		return false
	}
}

// Serve drains the queue until ctx is done.
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-d.queue:
			d.dispatch(ctx, c)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c Change) {
	conf := Confirmation{Change: c, Message: Format(c)}

	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
		err := s.Deliver(sctx, conf)
		cancel()
		if err != nil {
			metrics.ConfirmationsDelivered.WithLabelValues(s.Name(), "error").Inc()
			d.log.Error().Err(err).Str("sink", s.Name()).Str("change_id", c.ID).Msg("confirmation delivery failed")
			continue
		}
		metrics.ConfirmationsDelivered.WithLabelValues(s.Name(), "ok").Inc()
	}
}

// Format renders the human readable confirmation line for c.
func Format(c Change) string {
	if c.Kind == KindReset {
		return "Settings reset to defaults"
	}
	switch len(c.Fields) {
	case 0:
		return "No settings changed"
	case 1:
		f := c.Fields[0]
		return fmt.Sprintf("Setting %s changed from %s to %s", f.Field, render(f.Before), render(f.After))
	}
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Field
	}
	return fmt.Sprintf("%d settings updated: %s", len(c.Fields), strings.Join(names, ", "))
}

func render(v interface{}) string {
	if s, ok := v.(string); ok && s == "" {
		return "(empty)"
	}
	if v == nil {
		return "(none)"
	}
	return fmt.Sprintf("%v", v)
}
