package model

import (
	"time"
)

const (
	PermissionLevelViewer  = "viewer"
	PermissionLevelManager = "manager"
)

// ExplicitGrant gives one user access to one guild regardless of membership. A viewer
// grant covers read access only.
type ExplicitGrant struct {
	GuildID   string    `gorm:"primaryKey;autoIncrement:false" json:"guild_id"`
	UserID    string    `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Level     string    `gorm:"not null;default:manager" json:"level"`
	GrantedBy string    `gorm:"not null" json:"granted_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidPermissionLevel reports whether level names a grant level. Empty is not a level.
func ValidPermissionLevel(level string) bool {
	return level == PermissionLevelViewer || level == PermissionLevelManager
}

// RoleGrant gives every guild member holding RoleID management access.
type RoleGrant struct {
	GuildID   string    `gorm:"primaryKey;autoIncrement:false" json:"guild_id"`
	RoleID    string    `gorm:"primaryKey;autoIncrement:false" json:"role_id"`
	GrantedBy string    `gorm:"not null" json:"granted_by"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessCode is a redeemable, time-boxed invitation to a guild.
type AccessCode struct {
	Code            string     `gorm:"primaryKey" json:"code"`
	GuildID         string     `gorm:"not null;index" json:"guild_id"`
	PermissionLevel string     `json:"permission_level"`
	MaxUses         int        `gorm:"not null" json:"max_uses"`
	UsesRemaining   int        `gorm:"not null" json:"uses_remaining"`
	ExpiresAt       *time.Time `json:"expires_at"`
	Revoked         bool       `gorm:"not null;default:false" json:"revoked"`
	CreatedBy       string     `gorm:"not null" json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Redemption records one user consuming one code. (Code, UserID) is unique.
type Redemption struct {
	Code       string    `gorm:"primaryKey;autoIncrement:false" json:"code"`
	UserID     string    `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	GuildID    string    `gorm:"not null;index" json:"guild_id"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// Active reports whether the code can still be redeemed at now.
func (c *AccessCode) Active(now time.Time) bool {
	if c.Revoked || c.UsesRemaining <= 0 {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}
