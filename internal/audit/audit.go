// Package audit appends and lists configuration audit entries.
package audit

import (
	"context"
	"fmt"

	"guild-console/internal/model"

	"gorm.io/gorm"
)

const (
	EventSettingsUpdate = "settings_update"
	EventSettingsReset  = "settings_reset"
	EventBillingUpdate  = "billing_update"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type Log struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Log {
	return &Log{db: db}
}

// Append writes e using tx, which should be the transaction of the change it records.
func (l *Log) Append(tx *gorm.DB, e *model.AuditEntry) error {
	if tx == nil {
		tx = l.db
	}
	if err := tx.Create(e).Error; err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Exists reports whether an entry for changeID was already written.
func (l *Log) Exists(tx *gorm.DB, changeID string) (bool, error) {
	if tx == nil {
		tx = l.db
	}
	var count int64
	if err := tx.Model(&model.AuditEntry{}).Where("change_id = ?", changeID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// List returns the newest entries of guildID first. beforeID > 0 pages backwards.
func (l *Log) List(ctx context.Context, guildID string, limit int, beforeID uint) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	q := l.db.WithContext(ctx).Where("guild_id = ?", guildID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var entries []model.AuditEntry
	if err := q.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
