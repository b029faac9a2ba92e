// Package grant persists explicit user grants, role grants and redeemable access codes.
package grant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"guild-console/internal/logging"
	"guild-console/internal/metrics"
	"guild-console/internal/model"
	"guild-console/internal/store"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCodeNotFound     = errors.New("access code not found")
	ErrCodeRevoked      = errors.New("access code revoked")
	ErrCodeExpired      = errors.New("access code expired")
	ErrCodeExhausted    = errors.New("access code exhausted")
	ErrAlreadyRedeemed  = errors.New("access code already redeemed by this user")
	ErrInvalidCode      = errors.New("invalid access code request")
	ErrOwnerRequired    = errors.New("only the guild owner can create codes that never expire")
	ErrPersistence      = errors.New("grant store unavailable")
	ErrPermissionLevel  = errors.New("unknown permission level")
	errInvalidArguments = errors.New("guild id and user id are required")
)

// Outcome maps a redemption error to the reason string returned to clients.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "redeemed"
	case errors.Is(err, ErrCodeNotFound), errors.Is(err, ErrInvalidCode):
		return "not_found"
	case errors.Is(err, ErrCodeRevoked):
		return "revoked"
	case errors.Is(err, ErrCodeExpired):
		return "expired"
	case errors.Is(err, ErrCodeExhausted):
		return "exhausted"
	case errors.Is(err, ErrAlreadyRedeemed):
		return "already_redeemed"
	default:
		return "error"
	}
}

// Store is the gorm-backed grant store. Mutations run registered hooks with the guild id
// after they commit.
type Store struct {
	db  *gorm.DB
	now func() time.Time
	log zerolog.Logger

	mu    sync.RWMutex
	hooks []func(guildID string)
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
		log: logging.With("grant"),
	}
}

// SetClock replaces time.Now, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// OnChange registers fn to run after every grant or code mutation of a guild.
func (s *Store) OnChange(fn func(guildID string)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Store) changed(op, guildID string) {
	metrics.GrantMutations.WithLabelValues(op).Inc()
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(guildID)
	}
}

func persist(err error) error {
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// GrantUser records an explicit grant at level, manager when empty. Granting the same
// level twice is a no-op; granting a different level replaces it.
func (s *Store) GrantUser(ctx context.Context, guildID, userID, grantedBy, level string) error {
	if guildID == "" || userID == "" {
		return errInvalidArguments
	}
	if level == "" {
		level = model.PermissionLevelManager
	}
	if !model.ValidPermissionLevel(level) {
		return fmt.Errorf("%w: %q", ErrPermissionLevel, level)
	}
	g := model.ExplicitGrant{GuildID: guildID, UserID: userID, Level: level, GrantedBy: grantedBy, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "granted_by"}),
	}).Create(&g).Error
	if err != nil {
		return persist(err)
	}
	s.log.Info().Str("guild_id", guildID).Str("user_id", userID).Str("level", level).Str("granted_by", grantedBy).Msg("user grant added")
	s.changed("grant_user", guildID)
	return nil
}

// RevokeUser removes an explicit grant. Revoking an absent grant is a no-op.
func (s *Store) RevokeUser(ctx context.Context, guildID, userID string) error {
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Delete(&model.ExplicitGrant{}).Error
	if err != nil {
		return persist(err)
	}
	s.changed("revoke_user", guildID)
	return nil
}

// GrantRole records a role grant. Granting twice is a no-op.
func (s *Store) GrantRole(ctx context.Context, guildID, roleID, grantedBy string) error {
	if guildID == "" || roleID == "" {
		return errors.New("guild id and role id are required")
	}
	g := model.RoleGrant{GuildID: guildID, RoleID: roleID, GrantedBy: grantedBy, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&g).Error; err != nil {
		return persist(err)
	}
	s.log.Info().Str("guild_id", guildID).Str("role_id", roleID).Str("granted_by", grantedBy).Msg("role grant added")
	s.changed("grant_role", guildID)
	return nil
}

func (s *Store) RevokeRole(ctx context.Context, guildID, roleID string) error {
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND role_id = ?", guildID, roleID).
		Delete(&model.RoleGrant{}).Error
	if err != nil {
		return persist(err)
	}
	s.changed("revoke_role", guildID)
	return nil
}

// UserGrantLevel returns the level of the explicit grant of userID on guildID, or ""
// when there is none.
func (s *Store) UserGrantLevel(ctx context.Context, guildID, userID string) (string, error) {
	var rows []model.ExplicitGrant
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Limit(1).Find(&rows).Error
	if err != nil {
		return "", persist(err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	if rows[0].Level == "" {
		return model.PermissionLevelManager, nil
	}
	return rows[0].Level, nil
}

func (s *Store) RoleGrants(ctx context.Context, guildID string) ([]model.RoleGrant, error) {
	var rows []model.RoleGrant
	if err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, persist(err)
	}
	return rows, nil
}

// RoleGrantIDs returns just the granted role ids of a guild.
func (s *Store) RoleGrantIDs(ctx context.Context, guildID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.RoleGrant{}).
		Where("guild_id = ?", guildID).
		Pluck("role_id", &ids).Error
	if err != nil {
		return nil, persist(err)
	}
	return ids, nil
}

func (s *Store) UserGrants(ctx context.Context, guildID string) ([]model.ExplicitGrant, error) {
	var rows []model.ExplicitGrant
	if err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, persist(err)
	}
	return rows, nil
}

// Access is the display summary of everything that currently grants access to a guild.
type Access struct {
	Users []model.ExplicitGrant `json:"users"`
	Roles []model.RoleGrant     `json:"roles"`
	Codes []model.AccessCode    `json:"codes"`
}

// ActiveAccessForTenant lists user grants, role grants and the codes that can still be redeemed.
func (s *Store) ActiveAccessForTenant(ctx context.Context, guildID string) (Access, error) {
	users, err := s.UserGrants(ctx, guildID)
	if err != nil {
		return Access{}, err
	}
	roles, err := s.RoleGrants(ctx, guildID)
	if err != nil {
		return Access{}, err
	}

	now := s.now()
	var all []model.AccessCode
	err = s.db.WithContext(ctx).
		Where("guild_id = ? AND revoked = ?", guildID, false).
		Order("created_at").
		Find(&all).Error
	if err != nil {
		return Access{}, persist(err)
	}
	codes := make([]model.AccessCode, 0, len(all))
	for i := range all {
		if all[i].Active(now) {
			codes = append(codes, all[i])
		}
	}
	return Access{Users: users, Roles: roles, Codes: codes}, nil
}

// CodeRequest describes a new access code. TTL is required unless NeverExpires is set,
// which needs an owner-level creator.
type CodeRequest struct {
	GuildID         string
	CreatedBy       string
	PermissionLevel string
	MaxUses         int
	TTL             time.Duration
	NeverExpires    bool
	OwnerLevel      bool
}

func (s *Store) GenerateCode(ctx context.Context, req CodeRequest) (*model.AccessCode, error) {
	if req.GuildID == "" || req.CreatedBy == "" {
		return nil, fmt.Errorf("%w: guild and creator are required", ErrInvalidCode)
	}
	if req.MaxUses < 1 {
		return nil, fmt.Errorf("%w: max uses must be at least 1", ErrInvalidCode)
	}
	switch req.PermissionLevel {
	case "", model.PermissionLevelViewer, model.PermissionLevelManager:
	default:
		return nil, fmt.Errorf("%w: %q", ErrPermissionLevel, req.PermissionLevel)
	}

	var expiresAt *time.Time
	switch {
	case req.NeverExpires:
		if !req.OwnerLevel {
			return nil, ErrOwnerRequired
		}
	case req.TTL <= 0:
		return nil, fmt.Errorf("%w: expiry is required", ErrInvalidCode)
	default:
		t := s.now().Add(req.TTL)
		expiresAt = &t
	}

	value, err := newCode()
	if err != nil {
		return nil, err
	}
	code := &model.AccessCode{
		Code:            value,
		GuildID:         req.GuildID,
		PermissionLevel: req.PermissionLevel,
		MaxUses:         req.MaxUses,
		UsesRemaining:   req.MaxUses,
		ExpiresAt:       expiresAt,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       s.now(),
	}
	if err := s.db.WithContext(ctx).Create(code).Error; err != nil {
		return nil, persist(err)
	}

	s.log.Info().Str("guild_id", req.GuildID).Str("created_by", req.CreatedBy).Int("max_uses", req.MaxUses).
		Bool("never_expires", expiresAt == nil).Msg("access code generated")
	s.changed("generate_code", req.GuildID)
	return code, nil
}

// Redemption is the result of a successful RedeemCode.
type Redemption struct {
	GuildID         string `json:"guild_id"`
	PermissionLevel string `json:"permission_level"`
	UsesRemaining   int    `json:"uses_remaining"`
}

// RedeemCode consumes one use of a code for userID. All checks and writes happen in one
// transaction; a user who already redeemed the code gets ErrAlreadyRedeemed regardless of
// how many uses remain.
func (s *Store) RedeemCode(ctx context.Context, input, userID string) (*Redemption, error) {
	out, err := s.redeem(ctx, input, userID)
	metrics.CodeRedemptions.WithLabelValues(Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("guild_id", out.GuildID).Str("user_id", userID).Int("uses_remaining", out.UsesRemaining).
		Msg("access code redeemed")
	s.changed("redeem_code", out.GuildID)
	return out, nil
}

func (s *Store) redeem(ctx context.Context, input, userID string) (*Redemption, error) {
	if userID == "" {
		return nil, errInvalidArguments
	}
	value, err := NormalizeCode(input)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out Redemption
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var code model.AccessCode
		if err := tx.Where("code = ?", value).First(&code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCodeNotFound
			}
			return persist(err)
		}
		if code.Revoked {
			return ErrCodeRevoked
		}
		if code.ExpiresAt != nil && !now.Before(*code.ExpiresAt) {
			return ErrCodeExpired
		}

		var prior int64
		if err := tx.Model(&model.Redemption{}).Where("code = ? AND user_id = ?", value, userID).Count(&prior).Error; err != nil {
			return persist(err)
		}
		if prior > 0 {
			return ErrAlreadyRedeemed
		}

		res := tx.Model(&model.AccessCode{}).
			Where("code = ? AND uses_remaining > 0", value).
			UpdateColumn("uses_remaining", gorm.Expr("uses_remaining - 1"))
		if res.Error != nil {
			return persist(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCodeExhausted
		}

		red := model.Redemption{Code: value, UserID: userID, GuildID: code.GuildID, RedeemedAt: now}
		if err := tx.Create(&red).Error; err != nil {
			if store.IsUniqueViolation(err) {
				return ErrAlreadyRedeemed
			}
			return persist(err)
		}

		if code.PermissionLevel != "" {
			// A viewer code never downgrades an existing manager grant.
			conflict := clause.OnConflict{DoNothing: true}
			if code.PermissionLevel == model.PermissionLevelManager {
				conflict = clause.OnConflict{
					Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"level", "granted_by"}),
				}
			}
			g := model.ExplicitGrant{
				GuildID:   code.GuildID,
				UserID:    userID,
				Level:     code.PermissionLevel,
				GrantedBy: "code:" + value,
				CreatedAt: now,
			}
			if err := tx.Clauses(conflict).Create(&g).Error; err != nil {
				return persist(err)
			}
		}

		out = Redemption{GuildID: code.GuildID, PermissionLevel: code.PermissionLevel, UsesRemaining: code.UsesRemaining - 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeCode marks a code of guildID revoked. Revocation is terminal.
func (s *Store) RevokeCode(ctx context.Context, guildID, input string) error {
	value, err := NormalizeCode(input)
	if err != nil {
		return ErrCodeNotFound
	}
	res := s.db.WithContext(ctx).Model(&model.AccessCode{}).
		Where("code = ? AND guild_id = ?", value, guildID).
		UpdateColumn("revoked", true)
	if res.Error != nil {
		return persist(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCodeNotFound
	}
	s.changed("revoke_code", guildID)
	return nil
}

// Code loads one code of guildID.
func (s *Store) Code(ctx context.Context, guildID, input string) (*model.AccessCode, error) {
	value, err := NormalizeCode(input)
	if err != nil {
		return nil, ErrCodeNotFound
	}
	var code model.AccessCode
	if err := s.db.WithContext(ctx).Where("code = ? AND guild_id = ?", value, guildID).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, persist(err)
	}
	return &code, nil
}
