package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/bridge"
	"github.com/park285/guild-chat-bridge/internal/chatplatform"
	appcfg "github.com/park285/guild-chat-bridge/internal/config"
	"github.com/park285/guild-chat-bridge/internal/gameproto"
	"github.com/park285/guild-chat-bridge/internal/metrics"
	"github.com/park285/guild-chat-bridge/internal/msgcat"
	"github.com/park285/guild-chat-bridge/internal/obslog"
	"github.com/park285/guild-chat-bridge/internal/store"
	"github.com/park285/guild-chat-bridge/internal/wsfeed"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	bridgeCfgs, err := appcfg.LoadBridges(cfg.BridgesFile)
	if err != nil {
		logger.Fatal("bridges_config_invalid", zap.Error(err))
	}
	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("message_catalog_invalid", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := store.NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("redis_init_failed", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	var infractions store.Infractions = store.NewMemoryInfractions()
	if cfg.DatabaseURL != "" {
		repo, err := store.NewInfractionRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("infraction_repository_init_failed", zap.Error(err))
		}
		defer func() { _ = repo.Close() }()
		infractions = repo
	} else {
		logger.Warn("infractions_in_memory")
	}

	m := metrics.New()
	metricsServer := metrics.NewServer(cfg.MetricsAddr, "/metrics", m, logger)
	metricsServer.Start()

	api := chatplatform.NewClient(cfg.ChatAPIURL, cfg.ChatToken,
		chatplatform.WithTimeout(10*time.Second),
		chatplatform.WithRetry(3, 500*time.Millisecond),
	)
	proxyHeaders := func() map[string]string {
		h := map[string]string{}
		if cfg.GameProxyToken != "" {
			h["X-Proxy-Token"] = cfg.GameProxyToken
		}
		return h
	}
	dialer := &gameproto.WSDialer{
		URL:          cfg.GameProxyURL,
		Headers:      proxyHeaders,
		DialTimeout:  30 * time.Second,
		PingInterval: 30 * time.Second,
		Logger:       logger,
	}

	bridges := make([]*bridge.Bridge, 0, len(bridgeCfgs))
	for _, bc := range bridgeCfgs {
		b := bridge.New(bridge.Options{
			Config:              bc,
			Dialer:              dialer,
			API:                 api,
			Directory:           chatplatform.NewDirectory(api, bc.GuildID, cfg.DirectoryTTL, logger),
			Mutes:               store.NewMuteStore(rdb, bc.Name),
			Cooldown:            store.NewCooldown(rdb, bc.Name, cfg.NotifyCooldown),
			Infractions:         infractions,
			Catalog:             cat,
			CommandTimeout:      cfg.CommandTimeout,
			SpawnTimeout:        cfg.SpawnTimeout,
			ListenWindow:        cfg.AntiSpamWindow,
			InfractionThreshold: cfg.InfractionThreshold,
			InfractionMute:      cfg.InfractionMute,
			MaxWebhooks:         cfg.MaxWebhooks,
			Metrics:             m,
		})
		bridges = append(bridges, b)

		sctx, cancel := context.WithTimeout(ctx, cfg.SpawnTimeout+10*time.Second)
		if err := b.Start(sctx); err != nil {
			// the connection keeps retrying in the background
			logger.Warn("bridge_initial_connect_failed", zap.String("bridge", b.Name()), zap.Error(err))
		}
		cancel()
	}

	gatewayHeaders := func() map[string]string {
		return map[string]string{"Authorization": "Bot " + cfg.ChatToken}
	}
	ws := wsfeed.New(cfg.ChatGatewayURL, wsfeed.Options{
		Headers:              gatewayHeaders,
		MaxReconnectAttempts: 10,
		ReconnectBase:        time.Second,
		PingInterval:         30 * time.Second,
		Logger:               logger,
	})
	ws.OnStateChange(func(state wsfeed.State) {
		logger.Info("chat_gateway_state", zap.Stringer("state", state))
	})
	feed := chatplatform.NewFeed(ws, logger)
	feed.OnMessageCreate(func(msg chatplatform.Message) {
		for _, b := range bridges {
			if b.Enqueue(msg) {
				return
			}
		}
	})

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := ws.Connect(cctx); err != nil {
		cancel()
		logger.Fatal("chat_gateway_connect_failed", zap.Error(err))
	}
	cancel()
	logger.Info("guild_bridge_running", zap.Int("bridges", len(bridges)))

	<-ctx.Done()
	logger.Info("guild_bridge_shutting_down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = ws.Close(shutdownCtx)
	for _, b := range bridges {
		b.Close()
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics_server_shutdown_failed", zap.Error(err))
	}
}
