// Package api assembles the HTTP surface of the console.
package api

import (
	"net/http"

	"guild-console/internal/api/handler"
	"guild-console/internal/api/middleware"
	"guild-console/internal/api/websocket"
	"guild-console/internal/auth"
	"guild-console/internal/grant"
	"guild-console/internal/metrics"
	"guild-console/internal/settings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Deps are the components the routes are built from.
type Deps struct {
	DB             *gorm.DB
	Sessions       *auth.Sessions
	Authz          middleware.Authorizer
	Grants         *grant.Store
	Settings       *settings.Coordinator
	Hub            *websocket.Hub
	Session        handler.SessionOptions
	PeerSecret     string
	AllowedOrigins []string
	LoginPerMinute int
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(), metrics.Middleware(), middleware.CORSMiddleware(d.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := d.DB.DB()
		if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "live_connections": d.Hub.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", d.Hub.Handler())

	limiter := middleware.NewRateLimiter(d.LoginPerMinute)

	public := r.Group("/api/v1")
	{
		public.POST("/login", limiter.Middleware(), handler.Login(d.DB, d.Sessions, d.Session))
		public.POST("/logout", handler.Logout(d.Sessions, d.Session))
		public.POST("/billing/events", middleware.PeerSecret(d.PeerSecret), handler.BillingEvent(d.Settings))
	}

	authed := r.Group("/api/v1")
	authed.Use(middleware.AuthMiddleware(d.Sessions, d.Session.CookieName))
	{
		authed.GET("/me", handler.Me())
		authed.POST("/codes/redeem", limiter.Middleware(), handler.RedeemCode(d.Grants))

		// Console accounts
		authed.GET("/users", middleware.RoleCheck(auth.RoleSuperAdmin), handler.ListUsers(d.DB))
		authed.POST("/users", middleware.RoleCheck(auth.RoleSuperAdmin), handler.CreateUser(d.DB))
		authed.PUT("/users/:id/role", middleware.RoleCheck(auth.RoleSuperAdmin), handler.UpdateUserRole(d.DB, d.Sessions))
		authed.DELETE("/users/:id", middleware.RoleCheck(auth.RoleSuperAdmin), handler.DeleteUser(d.DB, d.Sessions))

		authed.GET("/config/telegram", middleware.RoleCheck(auth.RoleOperator), handler.GetTelegramConfig(d.DB))
		authed.PUT("/config/telegram", middleware.RoleCheck(auth.RoleOperator), handler.UpdateTelegramConfig(d.DB))

		authed.GET("/guilds/:guildID/access", handler.GuildAccess(d.Authz))

		member := authed.Group("/guilds/:guildID", middleware.RequireGuild(d.Authz, false))
		{
			member.GET("/settings", handler.GetSettings(d.Settings))
		}

		manage := authed.Group("/guilds/:guildID", middleware.RequireGuild(d.Authz, true))
		{
			manage.PATCH("/settings", handler.PatchSettings(d.Settings))
			manage.POST("/settings/reset", handler.RequestReset(d.Settings))
			manage.POST("/settings/reset/confirm", handler.ConfirmReset(d.Settings))
			manage.GET("/audit", handler.ListAudit(d.Settings))

			manage.GET("/grants", handler.ListGrants(d.Grants))
			manage.PUT("/grants/users/:userID", handler.PutUserGrant(d.Grants))
			manage.DELETE("/grants/users/:userID", handler.DeleteUserGrant(d.Grants))
			manage.PUT("/grants/roles/:roleID", handler.PutRoleGrant(d.Grants))
			manage.DELETE("/grants/roles/:roleID", handler.DeleteRoleGrant(d.Grants))

			manage.POST("/codes", handler.CreateCode(d.Grants))
			manage.DELETE("/codes/:code", handler.RevokeCode(d.Grants))
		}
	}

	return r
}
