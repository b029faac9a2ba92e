package model

import "time"

// GuildConfig holds every moderation toggle and limit for one guild.
// Column names are referenced by the settings allow-list.
type GuildConfig struct {
	GuildID   string    `gorm:"primaryKey" json:"guild_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AntiNukeEnabled     bool   `gorm:"not null;default:false" json:"anti_nuke_enabled"`
	AntiRaidEnabled     bool   `gorm:"not null;default:false" json:"anti_raid_enabled"`
	AntiSpamEnabled     bool   `gorm:"not null;default:false" json:"anti_spam_enabled"`
	AutoModEnabled      bool   `gorm:"column:automod_enabled;not null;default:false" json:"automod_enabled"`
	VerificationEnabled bool   `gorm:"not null;default:false" json:"verification_enabled"`
	LockdownEnabled     bool   `gorm:"not null;default:false" json:"lockdown_enabled"`
	JoinRateLimit       int    `gorm:"not null;default:10" json:"join_rate_limit"`
	JoinRateWindow      int    `gorm:"not null;default:10" json:"join_rate_window"`
	MaxMentions         int    `gorm:"not null;default:5" json:"max_mentions"`
	WarnThreshold       int    `gorm:"not null;default:3" json:"warn_threshold"`
	PunishmentAction    string `gorm:"not null;default:'timeout'" json:"punishment_action"`
	LogChannelID        string `gorm:"not null;default:''" json:"log_channel_id"`
	ModRoleID           string `gorm:"not null;default:''" json:"mod_role_id"`
	VerifiedRoleID      string `gorm:"not null;default:''" json:"verified_role_id"`
	WelcomeMessage      string `gorm:"not null;default:''" json:"welcome_message"`
	Language            string `gorm:"not null;default:'en'" json:"language"`

	PremiumPlan   string `gorm:"not null;default:'free'" json:"premium_plan"`
	PremiumStatus string `gorm:"not null;default:'inactive'" json:"premium_status"`
}

// AuditEntry is an append-only record of one configuration change.
type AuditEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	GuildID    string    `gorm:"not null;index" json:"guild_id"`
	ChangeID   string    `gorm:"not null;uniqueIndex" json:"change_id"`
	EventType  string    `gorm:"not null;index" json:"event_type"`
	ExecutorID string    `gorm:"not null" json:"executor_id"`
	TargetName string    `gorm:"not null" json:"target_name"`
	Before     string    `gorm:"type:text" json:"before"`
	After      string    `gorm:"type:text" json:"after"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (AuditEntry) TableName() string {
	return "audit_log"
}
