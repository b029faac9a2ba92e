package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"guild-console/internal/access"
	"guild-console/internal/api/websocket"
	"guild-console/internal/auth"

	"github.com/gin-gonic/gin"
)

// Context keys set by the middleware.
const (
	KeyPrincipal = "principal"
	KeyUserID    = "userID"
	KeyRole      = "role"
	KeyVerdict   = "verdict"
)

// TokenVerifier checks session tokens.
type TokenVerifier interface {
	Verify(raw string) (auth.Principal, error)
}

// Authorizer evaluates guild access for a principal.
type Authorizer interface {
	Authorize(ctx context.Context, p auth.Principal, guildID string, requireManage bool) (access.Verdict, error)
}

// AuthMiddleware verifies the session cookie or bearer token and attaches the principal.
// The verifier is expected to check the account behind the token as well.
func AuthMiddleware(verifier TokenVerifier, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := auth.TokenFromRequest(c.Request, cookieName)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token required"})
			return
		}
		p, err := verifier.Verify(raw)
		if err != nil {
			if errors.Is(err, auth.ErrSessionUnavailable) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(KeyPrincipal, p)
		c.Set(KeyUserID, p.UserID)
		c.Set(KeyRole, string(p.Role))
		c.Next()
	}
}

// Principal returns the principal set by AuthMiddleware.
func Principal(c *gin.Context) (auth.Principal, bool) {
	v, ok := c.Get(KeyPrincipal)
	if !ok {
		return auth.Principal{}, false
	}
	p, ok := v.(auth.Principal)
	return p, ok
}

// Verdict returns the verdict set by RequireGuild.
func Verdict(c *gin.Context) access.Verdict {
	v, _ := c.Get(KeyVerdict)
	verdict, _ := v.(access.Verdict)
	return verdict
}

// RequireGuild authorizes the caller for the :guildID path parameter. Denials share one
// body so the response never tells whether the guild exists.
func RequireGuild(authz Authorizer, requireManage bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Principal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token required"})
			return
		}
		guildID := c.Param("guildID")
		v, err := authz.Authorize(c.Request.Context(), p, guildID, requireManage)
		if err != nil {
			if errors.Is(err, access.ErrSourceUnavailable) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "guild membership is temporarily unavailable"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "access check failed"})
			return
		}
		if !v.Authorized {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		c.Set(KeyVerdict, v)
		c.Next()
	}
}

// RoleCheck checks that the console role ranks at least min.
func RoleCheck(min auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Principal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user role not found in context"})
			return
		}
		if !p.Role.AtLeast(min) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("requires %s role", min)})
			return
		}
		c.Next()
	}
}

// PeerSecret admits only the bot process.
func PeerSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !websocket.PeerSecretMatches(secret, c.GetHeader(websocket.PeerSecretHeader)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid peer secret"})
			return
		}
		c.Next()
	}
}

// CORSMiddleware sets CORS headers. Only same-host and listed origins are echoed back; an
// allow-list entry of "*" admits any origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Origin") != "" && websocket.OriginAllowed(allowedOrigins, c.Request) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", c.GetHeader("Origin"))
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		c.Writer.Header().Set("Vary", "Origin")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
