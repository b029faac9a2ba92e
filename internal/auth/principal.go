package auth

import (
	"strings"
	"time"
)

type Role string

const (
	RoleViewer     Role = "viewer"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	// RoleOperator is the process owner. It only takes effect for configured operator ids.
	RoleOperator Role = "operator"
)

var roleRank = map[Role]int{
	RoleViewer:     0,
	RoleModerator:  1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
	RoleOperator:   4,
}

// NormalizeRole maps an unknown or empty role to viewer.
func NormalizeRole(raw string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := roleRank[r]; !ok {
		return RoleViewer
	}
	return r
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Principal is the verified identity behind a session token.
type Principal struct {
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenVersion int64     `json:"-"`
}

// Expired reports whether the session is over at now.
func (p Principal) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
