package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"guild-console/internal/logging"
	"guild-console/internal/model"
	"guild-console/internal/notify"

	"github.com/rs/zerolog"
	"gopkg.in/telebot.v3"
	"gorm.io/gorm"
)

// TelegramConfig is the operator feed configuration kept in the settings table.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// Configured reports whether both values are present.
func (c TelegramConfig) Configured() bool {
	return c.BotToken != "" && c.ChatID != ""
}

// LoadTelegramConfig reads the Telegram settings. Missing keys are returned empty.
func LoadTelegramConfig(db *gorm.DB) (TelegramConfig, error) {
	var cfg TelegramConfig
	var rows []model.Setting
	if err := db.Where("key IN ?", []string{model.SettingKeyTelegramBotToken, model.SettingKeyTelegramChatID}).
		Find(&rows).Error; err != nil {
		return cfg, err
	}
	for _, r := range rows {
		switch r.Key {
		case model.SettingKeyTelegramBotToken:
			cfg.BotToken = r.Value
		case model.SettingKeyTelegramChatID:
			cfg.ChatID = r.Value
		}
	}
	return cfg, nil
}

// SaveTelegramConfig upserts both Telegram settings in one transaction.
func SaveTelegramConfig(db *gorm.DB, cfg TelegramConfig) error {
	if cfg.ChatID != "" {
		if _, err := strconv.ParseInt(cfg.ChatID, 10, 64); err != nil {
			return fmt.Errorf("chat id must be numeric: %w", err)
		}
	}
	return db.Transaction(func(tx *gorm.DB) error {
		values := map[string]string{
			model.SettingKeyTelegramBotToken: cfg.BotToken,
			model.SettingKeyTelegramChatID:   cfg.ChatID,
		}
		for key, value := range values {
			if err := tx.Where("key = ?", key).
				Assign(model.Setting{Value: value}).
				FirstOrCreate(&model.Setting{Key: key}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Sender is the part of telebot.Bot used to post messages.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// TelegramNotifier posts confirmations to the operator chat. It rereads the settings on
// every delivery so a token change takes effect without a restart.
type TelegramNotifier struct {
	db  *gorm.DB
	log zerolog.Logger

	mu        sync.Mutex
	token     string
	sender    Sender
	newSender func(token string) (Sender, error)
}

func NewTelegramNotifier(db *gorm.DB) *TelegramNotifier {
	return &TelegramNotifier{
		db:        db,
		log:       logging.With("telegram"),
		newSender: newTelebot,
	}
}

func newTelebot(token string) (Sender, error) {
	b, err := telebot.NewBot(telebot.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return b, nil
}

func (n *TelegramNotifier) Name() string { return "telegram" }

func (n *TelegramNotifier) senderFor(token string) (Sender, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sender != nil && n.token == token {
		return n.sender, nil
	}
	s, err := n.newSender(token)
	if err != nil {
		return nil, err
	}
	n.sender, n.token = s, token
	return s, nil
}

// Deliver is a no-op while the feed is not configured.
func (n *TelegramNotifier) Deliver(ctx context.Context, c notify.Confirmation) error {
	cfg, err := LoadTelegramConfig(n.db.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("load telegram config: %w", err)
	}
	if !cfg.Configured() {
		return nil
	}
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id: %w", err)
	}
	s, err := n.senderFor(cfg.BotToken)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("[%s] %s (by %s)", c.GuildID, c.Message, c.ActorID)
	if _, err := s.Send(telebot.ChatID(chatID), text); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Commands answers operator chat commands. /start replies with the chat id to store in
// the console configuration.
type Commands struct {
	Bot *telebot.Bot
}

// NewCommands starts nothing; call Serve to poll.
func NewCommands(token string) (*Commands, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	b, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	cmd := &Commands{Bot: b}
	b.Handle("/start", cmd.handleStart)
	return cmd, nil
}

func (h *Commands) handleStart(c telebot.Context) error {
	return c.Send(StartReply(c.Chat().ID))
}

// StartReply is the /start answer for chatID.
func StartReply(chatID int64) string {
	return fmt.Sprintf("Guild console notifications can be sent here. Chat id: %d", chatID)
}

// Serve polls until ctx is done.
func (h *Commands) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.Bot.Stop()
	}()
	h.Bot.Start()
	return ctx.Err()
}
