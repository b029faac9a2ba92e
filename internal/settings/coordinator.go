// Package settings applies validated configuration deltas to a guild, audits them and
// emits one change event per committed mutation.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"guild-console/internal/access"
	"guild-console/internal/audit"
	"guild-console/internal/guild"
	"guild-console/internal/logging"
	"guild-console/internal/metrics"
	"guild-console/internal/model"
	"guild-console/internal/notify"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrGuildNotFound = errors.New("guild not found")
	ErrValidation    = errors.New("invalid settings")
	ErrPersistence   = errors.New("settings store unavailable")
	ErrResetNonce    = errors.New("reset confirmation is invalid or expired")
)

// ActorBilling is the executor recorded for billing driven changes.
const ActorBilling = "billing"

const resetNonceTTL = 5 * time.Minute

type FieldChange = notify.FieldChange

// Notifier receives committed changes. It must not block.
type Notifier interface {
	Notify(c notify.Change) bool
}

// Result describes one ApplySettings call. ChangeID is empty when nothing changed.
type Result struct {
	ChangeID  string                 `json:"change_id,omitempty"`
	Applied   map[string]interface{} `json:"applied"`
	Rejected  []string               `json:"rejected"`
	Errors    map[string]string      `json:"errors,omitempty"`
	Allowed   []string               `json:"allowed,omitempty"`
	Changes   []FieldChange          `json:"changes"`
	Duplicate bool                   `json:"duplicate,omitempty"`
}

type Coordinator struct {
	db       *gorm.DB
	source   guild.Source
	audit    *audit.Log
	notifier Notifier
	reads    *cache.Cache
	resets   *cache.Cache
	// gens counts invalidations per guild. A read only fills the cache when no
	// invalidation happened while it was in flight.
	genMu    sync.Mutex
	gens     map[string]uint64
	newID    func() string
	log      zerolog.Logger
}

func NewCoordinator(db *gorm.DB, source guild.Source, auditLog *audit.Log, notifier Notifier) *Coordinator {
	return &Coordinator{
		db:       db,
		source:   source,
		audit:    auditLog,
		notifier: notifier,
		reads:    cache.New(time.Minute, 5*time.Minute),
		resets:   cache.New(resetNonceTTL, time.Minute),
		gens:     make(map[string]uint64),
		newID:    func() string { return ulid.Make().String() },
		log:      logging.With("settings"),
	}
}

func persist(err error) error {
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// Get returns the configuration of guildID, creating the default row on first access.
func (c *Coordinator) Get(ctx context.Context, guildID string) (*model.GuildConfig, error) {
	if v, ok := c.reads.Get(guildID); ok {
		cfg := *v.(*model.GuildConfig)
		return &cfg, nil
	}

	gen := c.generation(guildID)
	var cfg model.GuildConfig
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		cfg, err = ensureRow(tx, guildID)
		return err
	})
	if err != nil {
		return nil, persist(err)
	}
	c.remember(guildID, gen, cfg)
	return &cfg, nil
}

func (c *Coordinator) generation(guildID string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.gens[guildID]
}

// remember caches cfg unless guildID was invalidated after gen was read.
func (c *Coordinator) remember(guildID string, gen uint64, cfg model.GuildConfig) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gens[guildID] != gen {
		return
	}
	c.reads.Set(guildID, &cfg, cache.DefaultExpiration)
}

func (c *Coordinator) invalidate(guildID string) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.gens[guildID]++
	c.reads.Delete(guildID)
}

func ensureRow(tx *gorm.DB, guildID string) (model.GuildConfig, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.GuildConfig{GuildID: guildID}).Error; err != nil {
		return model.GuildConfig{}, err
	}
	var cfg model.GuildConfig
	if err := tx.Where("guild_id = ?", guildID).First(&cfg).Error; err != nil {
		return model.GuildConfig{}, err
	}
	return cfg, nil
}

// validate splits delta into accepted values and rejected keys. Billing fields are
// accepted only when billing is true.
func validate(delta map[string]interface{}, billing bool) (map[string]interface{}, []string, map[string]string) {
	accepted := make(map[string]interface{}, len(delta))
	rejected := []string{}
	reasons := map[string]string{}
	for key, raw := range delta {
		f, ok := fields[key]
		if !ok || f.Billing != billing {
			rejected = append(rejected, key)
			reasons[key] = "unknown field"
			continue
		}
		v, err := f.coerce(raw)
		if err != nil {
			rejected = append(rejected, key)
			reasons[key] = err.Error()
			continue
		}
		accepted[key] = v
	}
	sort.Strings(rejected)
	return accepted, rejected, reasons
}

// ApplySettings validates delta against the allow-list and writes the changed fields of
// guildID in one transaction together with one audit entry. Fields whose value does not
// change are dropped; a delta that changes nothing writes nothing and emits nothing.
func (c *Coordinator) ApplySettings(ctx context.Context, guildID, actorID string, delta map[string]interface{}) (*Result, error) {
	accepted, rejected, reasons := validate(delta, false)
	res := &Result{Applied: map[string]interface{}{}, Rejected: rejected, Changes: []FieldChange{}}
	if len(reasons) > 0 {
		res.Errors = reasons
		res.Allowed = Fields()
	}
	if len(accepted) == 0 {
		return res, nil
	}

	if err := c.checkGuild(ctx, guildID); err != nil {
		return nil, err
	}

	change, err := c.commit(ctx, guildID, actorID, c.newID(), audit.EventSettingsUpdate, accepted)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return res, nil
	}

	res.ChangeID = change.ID
	res.Changes = change.Fields
	for _, fc := range change.Fields {
		res.Applied[fc.Field] = fc.After
	}
	c.publish(*change, notify.KindUpdate)
	return res, nil
}

// BillingEvent is the opaque plan/status update consumed from the billing provider.
type BillingEvent struct {
	EventID string `json:"event_id" validate:"required"`
	GuildID string `json:"guild_id" validate:"required"`
	Plan    string `json:"plan"`
	Status  string `json:"status"`
}

// ApplyBilling writes premium_plan and premium_status from a billing event. The change id
// is derived from the provider event id, so a redelivered event is recognised and
// confirmed at most once.
func (c *Coordinator) ApplyBilling(ctx context.Context, ev BillingEvent) (*Result, error) {
	if ev.EventID == "" || ev.GuildID == "" {
		return nil, fmt.Errorf("%w: event id and guild id are required", ErrValidation)
	}
	delta := map[string]interface{}{}
	if ev.Plan != "" {
		delta["premium_plan"] = ev.Plan
	}
	if ev.Status != "" {
		delta["premium_status"] = ev.Status
	}
	accepted, rejected, reasons := validate(delta, true)
	if len(rejected) > 0 || len(accepted) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrValidation, reasons)
	}

	changeID := "billing:" + ev.EventID
	var duplicate bool
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		duplicate, err = c.audit.Exists(tx, changeID)
		return err
	})
	if err != nil {
		return nil, persist(err)
	}
	res := &Result{ChangeID: changeID, Applied: map[string]interface{}{}, Rejected: []string{}, Changes: []FieldChange{}}
	if duplicate {
		res.Duplicate = true
		return res, nil
	}

	change, err := c.commit(ctx, ev.GuildID, ActorBilling, changeID, audit.EventBillingUpdate, accepted)
	if err != nil {
		return nil, err
	}
	if change == nil {
		res.ChangeID = ""
		return res, nil
	}
	res.Changes = change.Fields
	for _, fc := range change.Fields {
		res.Applied[fc.Field] = fc.After
	}
	c.publish(*change, notify.KindBilling)
	return res, nil
}

func (c *Coordinator) checkGuild(ctx context.Context, guildID string) error {
	if _, err := c.source.FetchGuild(ctx, guildID); err != nil {
		if errors.Is(err, guild.ErrGuildNotFound) {
			return ErrGuildNotFound
		}
		return fmt.Errorf("%w: %v", access.ErrSourceUnavailable, err)
	}
	return nil
}

// commit runs the write transaction. It returns nil when no accepted value differs from
// the stored one.
func (c *Coordinator) commit(ctx context.Context, guildID, actorID, changeID, event string, accepted map[string]interface{}) (*notify.Change, error) {
	names := make([]string, 0, len(accepted))
	for name := range accepted {
		names = append(names, name)
	}
	sort.Strings(names)

	var change *notify.Change
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := ensureRow(tx, guildID)
		if err != nil {
			return err
		}

		before := snapshot(&current)
		updates := map[string]interface{}{}
		var changes []FieldChange
		for _, name := range names {
			if before[name] == accepted[name] {
				continue
			}
			updates[name] = accepted[name]
			changes = append(changes, FieldChange{
				Field:    name,
				Category: fields[name].Category,
				Before:   before[name],
				After:    accepted[name],
			})
		}
		if len(changes) == 0 {
			return nil
		}

		if err := tx.Model(&model.GuildConfig{}).Where("guild_id = ?", guildID).Updates(updates).Error; err != nil {
			return err
		}

		beforeJSON, afterJSON, err := diffJSON(changes)
		if err != nil {
			return err
		}
		changed := make([]string, len(changes))
		for i, fc := range changes {
			changed[i] = fc.Field
		}
		entry := &model.AuditEntry{
			GuildID:    guildID,
			ChangeID:   changeID,
			EventType:  event,
			ExecutorID: actorID,
			TargetName: strings.Join(changed, ","),
			Before:     beforeJSON,
			After:      afterJSON,
		}
		if err := c.audit.Append(tx, entry); err != nil {
			return err
		}

		change = &notify.Change{
			ID:      changeID,
			GuildID: guildID,
			ActorID: actorID,
			Fields:  changes,
			At:      entry.CreatedAt,
		}
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("guild_id", guildID).Str("change_id", changeID).Msg("settings transaction failed")
		return nil, persist(err)
	}
	return change, nil
}

func diffJSON(changes []FieldChange) (string, string, error) {
	before := make(map[string]interface{}, len(changes))
	after := make(map[string]interface{}, len(changes))
	for _, fc := range changes {
		before[fc.Field] = fc.Before
		after[fc.Field] = fc.After
	}
	b, err := json.Marshal(before)
	if err != nil {
		return "", "", err
	}
	a, err := json.Marshal(after)
	if err != nil {
		return "", "", err
	}
	return string(b), string(a), nil
}

// publish runs after commit: the read cache is dropped first so a viewer reacting to
// the confirmation reads the new values.
func (c *Coordinator) publish(change notify.Change, kind string) {
	c.invalidate(change.GuildID)
	change.Kind = kind
	metrics.SettingsChanges.WithLabelValues(kind).Inc()
	c.log.Info().
		Str("guild_id", change.GuildID).
		Str("change_id", change.ID).
		Str("actor_id", change.ActorID).
		Int("fields", len(change.Fields)).
		Msg("settings changed")
	if c.notifier != nil {
		c.notifier.Notify(change)
	}
}

// ResetToken is the one-time confirmation required by ConfirmReset.
type ResetToken struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequestReset issues a nonce that lets actorID reset guildID within five minutes.
func (c *Coordinator) RequestReset(guildID, actorID string) ResetToken {
	nonce := ulid.Make().String()
	c.resets.Set(resetKey(guildID, nonce), actorID, resetNonceTTL)
	return ResetToken{Nonce: nonce, ExpiresAt: time.Now().Add(resetNonceTTL)}
}

func resetKey(guildID, nonce string) string {
	return guildID + ":" + nonce
}

// ConfirmReset deletes the configuration row of guildID so defaults apply again.
// The nonce is consumed whether or not the reset succeeds.
func (c *Coordinator) ConfirmReset(ctx context.Context, guildID, actorID, nonce string) (string, error) {
	key := resetKey(guildID, nonce)
	owner, ok := c.resets.Get(key)
	c.resets.Delete(key)
	if !ok || nonce == "" || owner.(string) != actorID {
		return "", ErrResetNonce
	}

	changeID := c.newID()
	var at time.Time
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.GuildConfig
		err := tx.Where("guild_id = ?", guildID).First(&current).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		beforeJSON := "{}"
		if err == nil {
			b, err := json.Marshal(snapshot(&current))
			if err != nil {
				return err
			}
			beforeJSON = string(b)
		}

		if err := tx.Where("guild_id = ?", guildID).Delete(&model.GuildConfig{}).Error; err != nil {
			return err
		}
		entry := &model.AuditEntry{
			GuildID:    guildID,
			ChangeID:   changeID,
			EventType:  audit.EventSettingsReset,
			ExecutorID: actorID,
			TargetName: "*",
			Before:     beforeJSON,
			After:      "{}",
		}
		if err := c.audit.Append(tx, entry); err != nil {
			return err
		}
		at = entry.CreatedAt
		return nil
	})
	if err != nil {
		return "", persist(err)
	}

	c.publish(notify.Change{ID: changeID, GuildID: guildID, ActorID: actorID, At: at}, notify.KindReset)
	return changeID, nil
}

// AuditLog lists the newest audit entries of guildID.
func (c *Coordinator) AuditLog(ctx context.Context, guildID string, limit int, beforeID uint) ([]model.AuditEntry, error) {
	entries, err := c.audit.List(ctx, guildID, limit, beforeID)
	if err != nil {
		return nil, persist(err)
	}
	return entries, nil
}
