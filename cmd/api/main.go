package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guild-console/internal/access"
	"guild-console/internal/api"
	"guild-console/internal/api/handler"
	"guild-console/internal/api/websocket"
	"guild-console/internal/audit"
	"guild-console/internal/auth"
	"guild-console/internal/bot"
	"guild-console/internal/config"
	"guild-console/internal/grant"
	"guild-console/internal/guild"
	"guild-console/internal/logging"
	"guild-console/internal/notify"
	"guild-console/internal/settings"
	"guild-console/internal/store"
	"guild-console/internal/supervisor"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet; the default writes JSON to stderr.
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logging.Info().Str("version", version).Msg("guild console starting")

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("guild console stopped with error")
		os.Exit(1)
	}
	logging.Info().Msg("guild console stopped")
}

func run(cfg *config.Config) error {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	if err := store.Bootstrap(db, cfg.Security.BootstrapUsername, cfg.Security.BootstrapPassword, cfg.Security.BootstrapUserID); err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.Security.JWTSecret)
	if err != nil {
		return err
	}
	sessions := auth.NewSessions(verifier, db)
	if len(cfg.Server.AllowedOrigins) == 0 {
		logging.Warn().Msg("no allowed origins configured, cross-origin browser clients will be refused")
	}

	members := guild.NewCachedSource(
		guild.NewBreakerSource(guild.NewClient(cfg.Discord.APIBase, cfg.Discord.BotToken, cfg.Discord.Timeout), "discord"),
		cfg.Discord.MemberCacheTTL,
	)
	grants := grant.NewStore(db)
	grants.OnChange(members.InvalidateGuild)
	resolver := access.NewResolver(members, grants, cfg.Security.OperatorIDs)

	hub := websocket.NewHub(sessions, resolver, websocket.Options{
		PeerSecret:     cfg.Security.PeerSecret,
		CookieName:     cfg.Server.CookieName,
		PingInterval:   cfg.Live.PingInterval,
		QueueSize:      cfg.Live.QueueSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	peerLog := logging.With("peer")
	hub.OnPeerEvent = func(guildID, event string, data json.RawMessage) {
		peerLog.Debug().Str("guild_id", guildID).Str("event", event).Int("bytes", len(data)).Msg("peer event")
	}

	dispatcher := notify.NewDispatcher(256, time.Hour, notify.NewHubSink(hub), bot.NewTelegramNotifier(db))
	coordinator := settings.NewCoordinator(db, members, audit.New(db), dispatcher)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		DB:       db,
		Sessions: sessions,
		Authz:    resolver,
		Grants:   grants,
		Settings: coordinator,
		Hub:      hub,
		Session: handler.SessionOptions{
			CookieName: cfg.Server.CookieName,
			Secure:     cfg.Server.CookieSecure,
			TTL:        cfg.Server.SessionTTL,
		},
		PeerSecret:     cfg.Security.PeerSecret,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		LoginPerMinute: cfg.Server.LoginPerMinute,
	})
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.New("guild-console", supervisor.Config{})
	tree.Add(supervisor.Service("live-hub", hub.Serve))
	tree.Add(supervisor.Service("notify-dispatcher", dispatcher.Serve))

	if cfg.NATS.Enabled {
		nc, err := bot.Connect(cfg.NATS.URL, "guild-console")
		if err != nil {
			return err
		}
		defer nc.Close()
		bridge := bot.NewPeerBridge(nc, cfg.NATS.ConfigSubject, cfg.NATS.EventsSubject, hub)
		dispatcher.AddSink(bridge)
		tree.Add(supervisor.Service("peer-bridge", bridge.Serve))
		logging.Info().Str("url", cfg.NATS.URL).Msg("peer bridge enabled")
	}

	if tg, err := bot.LoadTelegramConfig(db); err != nil {
		logging.Warn().Err(err).Msg("failed to read telegram config")
	} else if tg.BotToken != "" {
		commands, err := bot.NewCommands(tg.BotToken)
		if err != nil {
			logging.Warn().Err(err).Msg("telegram commands disabled")
		} else {
			tree.Add(supervisor.Service("telegram-commands", commands.Serve))
		}
	} else {
		logging.Info().Msg("telegram bot token not configured, skipping commands")
	}

	tree.Add(supervisor.NewHTTPService(server, 10*time.Second))
	logging.Info().Str("addr", cfg.Server.ListenAddr).Msg("server listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return tree.Serve(ctx)
}
