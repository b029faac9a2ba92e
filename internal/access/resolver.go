// Package access decides whether a session principal may act on a guild.
package access

import (
	"context"
	"errors"
	"fmt"

	"guild-console/internal/auth"
	"guild-console/internal/guild"
	"guild-console/internal/logging"
	"guild-console/internal/metrics"
	"guild-console/internal/model"

	"github.com/rs/zerolog"
)

// ErrSourceUnavailable means the membership source failed; no verdict was reached.
var ErrSourceUnavailable = errors.New("membership source unavailable")

type Justification string

const (
	JustOperator              Justification = "operator"
	JustNotFound              Justification = "not_found"
	JustOwner                 Justification = "owner"
	JustExplicitGrant         Justification = "explicit_grant"
	JustNotAMember            Justification = "not_a_member"
	JustMember                Justification = "member"
	JustNativePermission      Justification = "native_permission"
	JustRoleGrant             Justification = "role_grant"
	JustInsufficientPrivilege Justification = "insufficient_privilege"
)

// Verdict is the outcome of one authorization check. Error is a human readable reason
// for denials and is meant for logs, not for responses.
type Verdict struct {
	Authorized    bool          `json:"authorized"`
	Justification Justification `json:"justification"`
	Error         string        `json:"error,omitempty"`
}

// OwnerLevel reports whether the verdict came from ownership of the guild or the process.
func (v Verdict) OwnerLevel() bool {
	return v.Authorized && (v.Justification == JustOwner || v.Justification == JustOperator)
}

// Grants is the persisted grant lookup the resolver consults on every call.
type Grants interface {
	UserGrantLevel(ctx context.Context, guildID, userID string) (string, error)
	RoleGrantIDs(ctx context.Context, guildID string) ([]string, error)
}

type Resolver struct {
	source    guild.Source
	grants    Grants
	operators map[string]struct{}
	log       zerolog.Logger
}

// NewResolver builds a resolver. operatorIDs is the configured set of user ids allowed
// to act with the operator role; a token claiming operator for any other id gets no bypass.
func NewResolver(source guild.Source, grants Grants, operatorIDs []string) *Resolver {
	ops := make(map[string]struct{}, len(operatorIDs))
	for _, id := range operatorIDs {
		if id != "" {
			ops[id] = struct{}{}
		}
	}
	return &Resolver{
		source:    source,
		grants:    grants,
		operators: ops,
		log:       logging.With("access"),
	}
}

// Authorize evaluates the access rules in order and returns the first that matches.
// A non-nil error means the check could not complete and must be treated as a failure,
// never as a denial or an approval.
func (r *Resolver) Authorize(ctx context.Context, p auth.Principal, guildID string, requireManage bool) (Verdict, error) {
	v, err := r.decide(ctx, p, guildID, requireManage)
	if err != nil {
		r.log.Error().Err(err).Str("guild_id", guildID).Str("user_id", p.UserID).Msg("authorization check failed")
		return Verdict{}, err
	}

	metrics.AuthzDecisions.WithLabelValues(string(v.Justification), metrics.Bool(v.Authorized)).Inc()
	r.log.Debug().
		Str("guild_id", guildID).
		Str("user_id", p.UserID).
		Bool("require_manage", requireManage).
		Bool("authorized", v.Authorized).
		Str("justification", string(v.Justification)).
		Msg("authorization decision")
	return v, nil
}

func (r *Resolver) decide(ctx context.Context, p auth.Principal, guildID string, requireManage bool) (Verdict, error) {
	if p.Role == auth.RoleOperator {
		if _, ok := r.operators[p.UserID]; ok {
			return allow(JustOperator), nil
		}
	}

	g, err := r.source.FetchGuild(ctx, guildID)
	if err != nil {
		if errors.Is(err, guild.ErrGuildNotFound) {
			return deny(JustNotFound, "guild does not exist"), nil
		}
		return Verdict{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	if p.UserID != "" && p.UserID == g.OwnerID {
		return allow(JustOwner), nil
	}

	level, err := r.grants.UserGrantLevel(ctx, guildID, p.UserID)
	if err != nil {
		return Verdict{}, fmt.Errorf("read user grant: %w", err)
	}
	// A viewer grant does not cover management; such callers continue to the member checks.
	if level == model.PermissionLevelManager || (level != "" && !requireManage) {
		return allow(JustExplicitGrant), nil
	}

	member, err := r.source.FetchMember(ctx, guildID, p.UserID)
	if err != nil {
		if errors.Is(err, guild.ErrGuildNotFound) {
			return deny(JustNotFound, "guild does not exist"), nil
		}
		return Verdict{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if member == nil {
		return deny(JustNotAMember, "user is not a member of the guild"), nil
	}

	if !requireManage {
		return allow(JustMember), nil
	}

	if member.Permissions.Has(guild.PermAdministrator | guild.PermManageGuild) {
		return allow(JustNativePermission), nil
	}

	roleIDs, err := r.grants.RoleGrantIDs(ctx, guildID)
	if err != nil {
		return Verdict{}, fmt.Errorf("read role grants: %w", err)
	}
	for _, id := range roleIDs {
		if member.HasRole(id) {
			return allow(JustRoleGrant), nil
		}
	}

	return deny(JustInsufficientPrivilege, "management privilege required"), nil
}

func allow(j Justification) Verdict {
	return Verdict{Authorized: true, Justification: j}
}

func deny(j Justification, reason string) Verdict {
	return Verdict{Authorized: false, Justification: j, Error: reason}
}
