package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"guild-console/internal/api/middleware"
	"guild-console/internal/auth"
	"guild-console/internal/logging"
	"guild-console/internal/model"
	"guild-console/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SessionIssuer signs session tokens bound to an account.
type SessionIssuer interface {
	Issue(user *model.User, ttl time.Duration) (string, time.Time, error)
}

// SessionRevoker ends every session of an account.
type SessionRevoker interface {
	Verify(raw string) (auth.Principal, error)
	Revoke(ctx context.Context, userID string) error
}

// SessionOptions controls the session cookie.
type SessionOptions struct {
	CookieName string
	Secure     bool
	TTL        time.Duration
}

func setSessionCookie(c *gin.Context, opts SessionOptions, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(opts.CookieName, value, maxAge, "/", "", opts.Secure, true)
}

func Login(db *gorm.DB, issuer SessionIssuer, opts SessionOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var user model.User
		if err := db.Where("username = ?", input.Username).First(&user).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		if !user.CheckPassword(input.Password) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		role := auth.NormalizeRole(user.Role)
		token, expiresAt, err := issuer.Issue(&user, opts.TTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not generate token"})
			return
		}

		now := time.Now()
		if err := db.Model(&user).Update("last_login", &now).Error; err != nil {
			logging.Warn().Err(err).Str("username", user.Username).Msg("failed to record last login")
		}

		setSessionCookie(c, opts, token, int(opts.TTL.Seconds()))
		c.JSON(http.StatusOK, gin.H{"token": token, "role": role, "user_id": user.UserID, "expires_at": expiresAt})
	}
}

// Logout clears the session cookie and, when the caller presents a live session, revokes
// every token of that account.
func Logout(sessions SessionRevoker, opts SessionOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, err := sessions.Verify(auth.TokenFromRequest(c.Request, opts.CookieName)); err == nil {
			if err := sessions.Revoke(c.Request.Context(), p.UserID); err != nil {
				logging.Warn().Err(err).Str("user_id", p.UserID).Msg("failed to revoke sessions on logout")
			}
		}
		setSessionCookie(c, opts, "", -1)
		c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
	}
}

func Me() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.Principal(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func ListUsers(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var users []model.User
		if err := db.Order("id").Find(&users).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not list users"})
			return
		}
		c.JSON(http.StatusOK, users)
	}
}

// CreateUser adds a console account. Nobody can create an account ranked above their own.
func CreateUser(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			UserID   string `json:"user_id" binding:"required,numeric,min=17,max=20"`
			Username string `json:"username" binding:"required,min=3,max=64"`
			Password string `json:"password" binding:"required,min=8"`
			Role     string `json:"role"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		caller, _ := middleware.Principal(c)
		role := auth.NormalizeRole(input.Role)
		if !caller.Role.AtLeast(role) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Cannot create an account with a higher role"})
			return
		}

		user := model.User{
			UserID:   input.UserID,
			Username: input.Username,
			Password: input.Password, // hashed by BeforeCreate
			Role:     string(role),
		}
		if err := db.Create(&user).Error; err != nil {
			if store.IsUniqueViolation(err) {
				c.JSON(http.StatusConflict, gin.H{"error": "User already exists"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not create user"})
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

func DeleteUser(db *gorm.DB, sessions SessionRevoker) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
			return
		}

		var user model.User
		if err := db.First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load user"})
			return
		}

		caller, _ := middleware.Principal(c)
		if user.UserID == caller.UserID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete your own account"})
			return
		}
		if !caller.Role.AtLeast(auth.NormalizeRole(user.Role)) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Cannot delete an account with a higher role"})
			return
		}

		if err := sessions.Revoke(c.Request.Context(), user.UserID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not revoke sessions"})
			return
		}
		if err := db.Delete(&user).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not delete user"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User deleted"})
	}
}

// UpdateUserRole changes the role of an account and revokes its sessions. Callers can
// neither assign nor change a role ranked above their own.
func UpdateUserRole(db *gorm.DB, sessions SessionRevoker) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
			return
		}
		var input struct {
			Role string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var user model.User
		if err := db.First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load user"})
			return
		}

		caller, _ := middleware.Principal(c)
		role := auth.NormalizeRole(input.Role)
		if !caller.Role.AtLeast(role) || !caller.Role.AtLeast(auth.NormalizeRole(user.Role)) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Cannot assign or change a higher role"})
			return
		}

		if err := db.Model(&user).Update("role", string(role)).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not update user"})
			return
		}
		if err := sessions.Revoke(c.Request.Context(), user.UserID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not revoke sessions"})
			return
		}
		c.JSON(http.StatusOK, user)
	}
}
