package handler

import (
	"errors"
	"net/http"
	"strconv"

	"guild-console/internal/access"
	"guild-console/internal/api/middleware"
	"guild-console/internal/audit"
	"guild-console/internal/settings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func settingsError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, settings.ErrValidation), errors.Is(err, settings.ErrResetNonce):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, settings.ErrGuildNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "guild not found"})
	case errors.Is(err, access.ErrSourceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "guild membership is temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settings store unavailable"})
	}
}

// GuildAccess reports the caller's own access to a guild. Only the booleans and the
// matching rule are returned, never the reason for a denial.
func GuildAccess(authz middleware.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := middleware.Principal(c)
		guildID := c.Param("guildID")

		view, err := authz.Authorize(c.Request.Context(), p, guildID, false)
		if err != nil {
			settingsError(c, err)
			return
		}
		manage := view
		if view.Authorized {
			if manage, err = authz.Authorize(c.Request.Context(), p, guildID, true); err != nil {
				settingsError(c, err)
				return
			}
		}

		resp := gin.H{"guild_id": guildID, "view": view.Authorized, "manage": manage.Authorized}
		switch {
		case manage.Authorized:
			resp["justification"] = manage.Justification
		case view.Authorized:
			resp["justification"] = view.Justification
		}
		c.JSON(http.StatusOK, resp)
	}
}

func GetSettings(coord *settings.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := coord.Get(c.Request.Context(), c.Param("guildID"))
		if err != nil {
			settingsError(c, err)
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// PatchSettings applies a partial update. Unknown or invalid fields are reported in
// "rejected" and never written.
func PatchSettings(coord *settings.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var delta map[string]interface{}
		if err := c.ShouldBindJSON(&delta); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(delta) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty settings delta"})
			return
		}

		p, _ := middleware.Principal(c)
		res, err := coord.ApplySettings(c.Request.Context(), c.Param("guildID"), p.UserID, delta)
		if err != nil {
			settingsError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func RequestReset(coord *settings.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := middleware.Principal(c)
		c.JSON(http.StatusOK, coord.RequestReset(c.Param("guildID"), p.UserID))
	}
}

func ConfirmReset(coord *settings.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Nonce string `json:"nonce" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, _ := middleware.Principal(c)
		changeID, err := coord.ConfirmReset(c.Request.Context(), c.Param("guildID"), p.UserID, input.Nonce)
		if err != nil {
			settingsError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"change_id": changeID})
	}
}

// ListAudit pages the audit log newest first. ?before=<id> continues a previous page.
func ListAudit(coord *settings.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := audit.DefaultLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		var before uint64
		if raw := c.Query("before"); raw != "" {
			var err error
			if before, err = strconv.ParseUint(raw, 10, 64); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
				return
			}
		}

		entries, err := coord.AuditLog(c.Request.Context(), c.Param("guildID"), limit, uint(before))
		if err != nil {
			settingsError(c, err)
			return
		}
		resp := gin.H{"entries": entries}
		if len(entries) > 0 {
			resp["next_before"] = entries[len(entries)-1].ID
		}
		c.JSON(http.StatusOK, resp)
	}
}

// BillingEvent applies a plan or status change sent by the billing integration.
func BillingEvent(coord *settings.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev settings.BillingEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := validate.Struct(ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := coord.ApplyBilling(c.Request.Context(), ev)
		if err != nil {
			settingsError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
