package model

import "gorm.io/gorm"

// Setting is a process-wide key/value entry for integration credentials.
type Setting struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex;not null"`
	Value string `gorm:"type:text"`
}

const (
	SettingKeyTelegramBotToken = "telegram_bot_token"
	SettingKeyTelegramChatID   = "telegram_chat_id"
)
