package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// MinSecretLength is the shortest signing or peer secret accepted at startup.
const MinSecretLength = 32

var defaultPaths = []string{"config.yaml", "config.yml", "/etc/guild-console/config.yaml"}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Security SecurityConfig `koanf:"security"`
	Discord  DiscordConfig  `koanf:"discord"`
	Live     LiveConfig     `koanf:"live"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	ListenAddr     string        `koanf:"listen_addr" validate:"required"`
	CookieName     string        `koanf:"cookie_name" validate:"required"`
	CookieSecure   bool          `koanf:"cookie_secure"`
	SessionTTL     time.Duration `koanf:"session_ttl" validate:"gt=0"`
	LoginPerMinute int           `koanf:"login_per_minute" validate:"gte=1"`
	// AllowedOrigins lists the browser origins admitted besides the console's own host.
	// "*" admits any origin.
	AllowedOrigins []string      `koanf:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type SecurityConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	// PeerSecret authenticates the bot process on sockets and billing events.
	PeerSecret string `koanf:"peer_secret"`
	// OperatorIDs are the user ids allowed to act with the process-level operator role.
	OperatorIDs []string `koanf:"operator_ids"`
	// BootstrapUsername/BootstrapPassword seed the first operator account on an empty store.
	BootstrapUsername string `koanf:"bootstrap_username"`
	BootstrapPassword string `koanf:"bootstrap_password"`
	BootstrapUserID   string `koanf:"bootstrap_user_id"`
}

type DiscordConfig struct {
	APIBase        string        `koanf:"api_base" validate:"required,url"`
	BotToken       string        `koanf:"bot_token"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	MemberCacheTTL time.Duration `koanf:"member_cache_ttl" validate:"gte=0"`
}

type LiveConfig struct {
	PingInterval time.Duration `koanf:"ping_interval" validate:"gt=0"`
	QueueSize    int           `koanf:"queue_size" validate:"gte=1"`
}

type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	ConfigSubject string `koanf:"config_subject"`
	EventsSubject string `koanf:"events_subject"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":9090",
			CookieName:     "console_session",
			CookieSecure:   true,
			SessionTTL:     12 * time.Hour,
			LoginPerMinute: 10,
		},
		Database: DatabaseConfig{Path: "data/console.db"},
		Discord: DiscordConfig{
			APIBase:        "https://discord.com/api/v10",
			Timeout:        5 * time.Second,
			MemberCacheTTL: 15 * time.Second,
		},
		Live: LiveConfig{
			PingInterval: 30 * time.Second,
			QueueSize:    64,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			ConfigSubject: "console.config",
			EventsSubject: "bot.events",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// envKeys maps environment variables onto koanf paths.
var envKeys = map[string]string{
	"LISTEN_ADDR":         "server.listen_addr",
	"COOKIE_NAME":         "server.cookie_name",
	"COOKIE_SECURE":       "server.cookie_secure",
	"SESSION_TTL":         "server.session_ttl",
	"LOGIN_PER_MINUTE":    "server.login_per_minute",
	"ALLOWED_ORIGINS":     "server.allowed_origins",
	"DATABASE_PATH":       "database.path",
	"JWT_SECRET":          "security.jwt_secret",
	"PEER_SECRET":         "security.peer_secret",
	"OPERATOR_IDS":        "security.operator_ids",
	"BOOTSTRAP_USERNAME":  "security.bootstrap_username",
	"BOOTSTRAP_PASSWORD":  "security.bootstrap_password",
	"BOOTSTRAP_USER_ID":   "security.bootstrap_user_id",
	"DISCORD_API_BASE":    "discord.api_base",
	"DISCORD_BOT_TOKEN":   "discord.bot_token",
	"DISCORD_TIMEOUT":     "discord.timeout",
	"MEMBER_CACHE_TTL":    "discord.member_cache_ttl",
	"WS_PING_INTERVAL":    "live.ping_interval",
	"WS_QUEUE_SIZE":       "live.queue_size",
	"NATS_ENABLED":        "nats.enabled",
	"NATS_URL":            "nats.url",
	"NATS_CONFIG_SUBJECT": "nats.config_subject",
	"NATS_EVENTS_SUBJECT": "nats.events_subject",
	"LOG_LEVEL":           "logging.level",
	"LOG_FORMAT":          "logging.format",
}

// envTransform maps a variable to its key; list values are comma separated.
func envTransform(name, value string) (string, interface{}) {
	key, ok := envKeys[name]
	if !ok {
		return "", nil
	}
	if key == "security.operator_ids" || key == "server.allowed_origins" {
		var ids []string
		for _, id := range strings.Split(value, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return key, ids
	}
	return key, value
}

// Load reads defaults, then the optional YAML file, then the environment, and validates
// the result. A missing or weak secret is an error.
func Load() (*Config, error) {
	return load(findConfigFile())
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range defaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = validator.New()

// Validate checks struct constraints and secret strength.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if err := CheckSecret("JWT_SECRET", c.Security.JWTSecret); err != nil {
		return err
	}
	if c.Security.PeerSecret != "" {
		if err := CheckSecret("PEER_SECRET", c.Security.PeerSecret); err != nil {
			return err
		}
		if c.Security.PeerSecret == c.Security.JWTSecret {
			return errors.New("PEER_SECRET must differ from JWT_SECRET")
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("NATS_URL is required when NATS is enabled")
	}
	return nil
}

var placeholderPatterns = []string{
	"REPLACE",
	"CHANGEME",
	"CHANGE_ME",
	"YOUR_SECRET",
	"PLACEHOLDER",
	"EXAMPLE",
	"SECRET_KEY_HERE",
	"DEFAULT",
}

// CheckSecret rejects empty, short and placeholder secrets.
func CheckSecret(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(value) < MinSecretLength {
		return fmt.Errorf("%s must be at least %d characters", name, MinSecretLength)
	}
	if ContainsPlaceholder(value) {
		return fmt.Errorf("%s contains a placeholder value, generate one with: openssl rand -base64 32", name)
	}
	return nil
}

// ContainsPlaceholder reports whether value looks like an unedited sample secret.
func ContainsPlaceholder(value string) bool {
	upper := strings.ToUpper(value)
	for _, p := range placeholderPatterns {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}
