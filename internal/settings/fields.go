package settings

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"guild-console/internal/model"
)

type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindSnowflake
	KindString
	KindEnum
)

const (
	CategorySecurity   = "security"
	CategoryModeration = "moderation"
	CategoryLogging    = "logging"
	CategoryGeneral    = "general"
	CategoryBilling    = "billing"
)

// Field describes one editable column of the guild configuration.
type Field struct {
	Name     string
	Kind     Kind
	Category string
	Min, Max int
	MaxLen   int
	Options  []string
	// Billing fields are only written by billing events.
	Billing bool

	get func(*model.GuildConfig) interface{}
}

var snowflakePattern = regexp.MustCompile(`^[0-9]{17,20}$`)

var fields = map[string]Field{}

func register(f Field) {
	fields[f.Name] = f
}

func init() {
	register(Field{Name: "anti_nuke_enabled", Kind: KindBool, Category: CategorySecurity,
		get: func(c *model.GuildConfig) interface{} { return c.AntiNukeEnabled }})
	register(Field{Name: "anti_raid_enabled", Kind: KindBool, Category: CategorySecurity,
		get: func(c *model.GuildConfig) interface{} { return c.AntiRaidEnabled }})
	register(Field{Name: "anti_spam_enabled", Kind: KindBool, Category: CategorySecurity,
		get: func(c *model.GuildConfig) interface{} { return c.AntiSpamEnabled }})
	register(Field{Name: "automod_enabled", Kind: KindBool, Category: CategoryModeration,
		get: func(c *model.GuildConfig) interface{} { return c.AutoModEnabled }})
	register(Field{Name: "verification_enabled", Kind: KindBool, Category: CategorySecurity,
		get: func(c *model.GuildConfig) interface{} { return c.VerificationEnabled }})
	register(Field{Name: "lockdown_enabled", Kind: KindBool, Category: CategorySecurity,
		get: func(c *model.GuildConfig) interface{} { return c.LockdownEnabled }})

	register(Field{Name: "join_rate_limit", Kind: KindInt, Category: CategorySecurity, Min: 1, Max: 100,
		get: func(c *model.GuildConfig) interface{} { return c.JoinRateLimit }})
	register(Field{Name: "join_rate_window", Kind: KindInt, Category: CategorySecurity, Min: 1, Max: 3600,
		get: func(c *model.GuildConfig) interface{} { return c.JoinRateWindow }})
	register(Field{Name: "max_mentions", Kind: KindInt, Category: CategoryModeration, Min: 1, Max: 50,
		get: func(c *model.GuildConfig) interface{} { return c.MaxMentions }})
	register(Field{Name: "warn_threshold", Kind: KindInt, Category: CategoryModeration, Min: 1, Max: 20,
		get: func(c *model.GuildConfig) interface{} { return c.WarnThreshold }})

	register(Field{Name: "punishment_action", Kind: KindEnum, Category: CategoryModeration,
		Options: []string{"none", "timeout", "kick", "ban"},
		get:     func(c *model.GuildConfig) interface{} { return c.PunishmentAction }})
	register(Field{Name: "language", Kind: KindEnum, Category: CategoryGeneral,
		Options: []string{"en", "de", "es", "fr", "pt", "ru", "ja"},
		get:     func(c *model.GuildConfig) interface{} { return c.Language }})

	register(Field{Name: "log_channel_id", Kind: KindSnowflake, Category: CategoryLogging,
		get: func(c *model.GuildConfig) interface{} { return c.LogChannelID }})
	register(Field{Name: "mod_role_id", Kind: KindSnowflake, Category: CategoryModeration,
		get: func(c *model.GuildConfig) interface{} { return c.ModRoleID }})
	register(Field{Name: "verified_role_id", Kind: KindSnowflake, Category: CategorySecurity,
		get: func(c *model.GuildConfig) interface{} { return c.VerifiedRoleID }})
	register(Field{Name: "welcome_message", Kind: KindString, Category: CategoryGeneral, MaxLen: 2000,
		get: func(c *model.GuildConfig) interface{} { return c.WelcomeMessage }})

	register(Field{Name: "premium_plan", Kind: KindEnum, Category: CategoryBilling, Billing: true,
		Options: []string{"free", "premium", "pro", "enterprise"},
		get:     func(c *model.GuildConfig) interface{} { return c.PremiumPlan }})
	register(Field{Name: "premium_status", Kind: KindEnum, Category: CategoryBilling, Billing: true,
		Options: []string{"inactive", "active", "trialing", "past_due", "canceled"},
		get:     func(c *model.GuildConfig) interface{} { return c.PremiumStatus }})
}

// Fields lists the editable field names in stable order.
func Fields() []string {
	names := make([]string, 0, len(fields))
	for name, f := range fields {
		if !f.Billing {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// coerce converts a decoded JSON value into the column type of f.
func (f Field) coerce(raw interface{}) (interface{}, error) {
	switch f.Kind {
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%s must be a boolean", f.Name)
		}
		return b, nil

	case KindInt:
		n, err := toInt(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		if n < f.Min || n > f.Max {
			return nil, fmt.Errorf("%s must be between %d and %d", f.Name, f.Min, f.Max)
		}
		return n, nil

	case KindSnowflake:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string id", f.Name)
		}
		s = strings.TrimSpace(s)
		if s != "" && !snowflakePattern.MatchString(s) {
			return nil, fmt.Errorf("%s is not a valid id", f.Name)
		}
		return s, nil

	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string", f.Name)
		}
		if utf8.RuneCountInString(s) > f.MaxLen {
			return nil, fmt.Errorf("%s exceeds %d characters", f.Name, f.MaxLen)
		}
		return s, nil

	case KindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string", f.Name)
		}
		s = strings.ToLower(strings.TrimSpace(s))
		for _, opt := range f.Options {
			if s == opt {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%s must be one of %s", f.Name, strings.Join(f.Options, ", "))
	}
	return nil, fmt.Errorf("%s has unsupported kind", f.Name)
}

func toInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("must be a whole number")
		}
		return int(v), nil
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("must be a whole number")
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("must be a number")
		}
		return n, nil
	}
	return 0, fmt.Errorf("must be a number")
}

// snapshot returns every field value of cfg keyed by name.
func snapshot(cfg *model.GuildConfig) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for name, f := range fields {
		out[name] = f.get(cfg)
	}
	return out
}
