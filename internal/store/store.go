package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"guild-console/internal/logging"
	"guild-console/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the sqlite database at path and ensures the schema.
// ":memory:" and "file:" DSNs are passed through unchanged.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	gormLogger := logger.New(
		logging.GormWriter{},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection makes transactions queue instead of
	// failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates missing tables and indexes. It is idempotent and runs once at startup.
func EnsureSchema(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.User{},
		&model.Setting{},
		&model.ExplicitGrant{},
		&model.RoleGrant{},
		&model.AccessCode{},
		&model.Redemption{},
		&model.GuildConfig{},
		&model.AuditEntry{},
	)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Bootstrap creates the first operator account when the user table is empty.
func Bootstrap(db *gorm.DB, username, password, userID string) error {
	if username == "" || password == "" || userID == "" {
		return nil
	}
	var count int64
	if err := db.Model(&model.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	user := model.User{
		UserID:   userID,
		Username: username,
		Password: password,
		Role:     "operator",
	}
	if err := db.Create(&user).Error; err != nil {
		return fmt.Errorf("create bootstrap user: %w", err)
	}
	logging.Info().Str("username", username).Str("user_id", userID).Msg("created bootstrap operator account")
	return nil
}

// IsUniqueViolation reports whether err is a unique or primary key conflict.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
