package handler

import (
	"net/http"

	"guild-console/internal/bot"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// GetTelegramConfig returns the operator feed settings. The bot token is masked.
func GetTelegramConfig(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := bot.LoadTelegramConfig(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve Telegram configuration"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"bot_token":  mask(cfg.BotToken),
			"chat_id":    cfg.ChatID,
			"configured": cfg.Configured(),
		})
	}
}

// UpdateTelegramConfig replaces the operator feed settings.
func UpdateTelegramConfig(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input bot.TelegramConfig
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := bot.SaveTelegramConfig(db, input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Telegram configuration updated successfully"})
	}
}

func mask(secret string) string {
	if len(secret) <= 4 {
		if secret == "" {
			return ""
		}
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
