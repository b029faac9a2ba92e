// Package guild reads tenant (guild) ownership and membership from the chat platform.
package guild

import (
	"context"
	"errors"
)

// ErrGuildNotFound is returned when the guild does not exist or the bot is not installed in it.
var ErrGuildNotFound = errors.New("guild not found")

// Permissions is the platform privilege bitset of a member.
type Permissions uint64

const (
	PermAdministrator Permissions = 0x8
	PermManageGuild   Permissions = 0x20
)

// Has reports whether any bit of flag is set.
func (p Permissions) Has(flag Permissions) bool {
	return p&flag != 0
}

type Role struct {
	ID          string
	Permissions Permissions
}

type Guild struct {
	ID      string
	OwnerID string
	Name    string
	Roles   []Role
}

type Member struct {
	UserID      string
	RoleIDs     []string
	Permissions Permissions
}

// HasRole reports whether the member holds roleID.
func (m *Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// Source fetches live guild state. FetchMember returns (nil, nil) when userID is not a member.
// Transport failures are returned as errors and must never be read as a denial or a grant.
type Source interface {
	FetchGuild(ctx context.Context, guildID string) (*Guild, error)
	FetchMember(ctx context.Context, guildID, userID string) (*Member, error)
}
