package handler

import (
	"errors"
	"net/http"
	"time"

	"guild-console/internal/api/middleware"
	"guild-console/internal/grant"

	"github.com/gin-gonic/gin"
)

func grantError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, grant.ErrInvalidCode), errors.Is(err, grant.ErrPermissionLevel):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, grant.ErrOwnerRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, grant.ErrCodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant store unavailable"})
	}
}

func ListGrants(store *grant.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := store.ActiveAccessForTenant(c.Request.Context(), c.Param("guildID"))
		if err != nil {
			grantError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// PutUserGrant grants a user access. The optional body {"level": "viewer"|"manager"}
// defaults to manager.
func PutUserGrant(store *grant.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Level string `json:"level"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&input); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		p, _ := middleware.Principal(c)
		if err := store.GrantUser(c.Request.Context(), c.Param("guildID"), c.Param("userID"), p.UserID, input.Level); err != nil {
			grantError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User granted"})
	}
}

func DeleteUserGrant(store *grant.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.RevokeUser(c.Request.Context(), c.Param("guildID"), c.Param("userID")); err != nil {
			grantError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User grant revoked"})
	}
}

func PutRoleGrant(store *grant.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := middleware.Principal(c)
		if err := store.GrantRole(c.Request.Context(), c.Param("guildID"), c.Param("roleID"), p.UserID); err != nil {
			grantError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Role granted"})
	}
}

func DeleteRoleGrant(store *grant.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.RevokeRole(c.Request.Context(), c.Param("guildID"), c.Param("roleID")); err != nil {
			grantError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Role grant revoked"})
	}
}

// CreateCode generates an access code. Codes that never expire need an owner-level caller.
func CreateCode(store *grant.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			PermissionLevel string `json:"permission_level"`
			MaxUses         int    `json:"max_uses" binding:"required,min=1,max=1000"`
			TTLSeconds      int64  `json:"ttl_seconds" binding:"min=0"`
			NeverExpires    bool   `json:"never_expires"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p, _ := middleware.Principal(c)
		code, err := store.GenerateCode(c.Request.Context(), grant.CodeRequest{
			GuildID:         c.Param("guildID"),
			CreatedBy:       p.UserID,
			PermissionLevel: input.PermissionLevel,
			MaxUses:         input.MaxUses,
			TTL:             time.Duration(input.TTLSeconds) * time.Second,
			NeverExpires:    input.NeverExpires,
			OwnerLevel:      middleware.Verdict(c).OwnerLevel(),
		})
		if err != nil {
			grantError(c, err)
			return
		}
		c.JSON(http.StatusCreated, code)
	}
}

func RevokeCode(store *grant.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.RevokeCode(c.Request.Context(), c.Param("guildID"), c.Param("code")); err != nil {
			grantError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Code revoked"})
	}
}

// RedeemCode consumes one use of a code for the caller. Failures carry a machine readable
// "reason".
func RedeemCode(store *grant.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Code string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p, _ := middleware.Principal(c)
		out, err := store.RedeemCode(c.Request.Context(), input.Code, p.UserID)
		if err != nil {
			reason := grant.Outcome(err)
			status := http.StatusInternalServerError
			switch reason {
			case "not_found":
				status = http.StatusNotFound
			case "revoked", "expired", "exhausted":
				status = http.StatusGone
			case "already_redeemed":
				status = http.StatusConflict
			}
			msg := err.Error()
			if status == http.StatusInternalServerError {
				msg = "grant store unavailable"
			}
			c.JSON(status, gin.H{"error": msg, "reason": reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"reason":           grant.Outcome(nil),
			"guild_id":         out.GuildID,
			"permission_level": out.PermissionLevel,
			"uses_remaining":   out.UsesRemaining,
		})
	}
}
