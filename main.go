package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gammaflow/aggregator"
	"gammaflow/alert"
	"gammaflow/config"
	"gammaflow/feed"
	"gammaflow/feed/wsfeed"
	"gammaflow/internal/channel"
	"gammaflow/logger"
	"gammaflow/orchestrator"
	"gammaflow/store"
	"gammaflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Gammaflow.Name,
		"version":     cfg.Gammaflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting gammaflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	// Store corruption at startup is the one fatal condition: running
	// with silently wrong persisted state is worse than not running.
	quotes, err := store.OpenQuoteStore(cfg.Store.Quotes.Path, cfg.Store.Quotes.MaxBytes)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": cfg.Store.Quotes.Path}).Error("failed to open quote store")
		os.Exit(1)
	}
	retained, err := store.OpenRetainedStore(cfg.Store.Retained.Path, cfg.Store.Retained.MaxBytes, cfg.Store.Retained.Retention)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": cfg.Store.Retained.Path}).Error("failed to open retained store")
		os.Exit(1)
	}

	channels := channel.NewChannels(cfg.Channels.EventBuffer, cfg.Channels.SnapshotBuffer)
	go channels.StartMetricsReporting(ctx)

	transport := wsfeed.NewClient(cfg.Feed.URL, cfg.Feed.AckTimeout, cfg.Feed.PingInterval)

	supervisor := feed.NewSupervisor(feed.Config{
		SubscribeChunkSize:     cfg.Feed.SubscribeChunkSize,
		UnsubscribeChunkSize:   cfg.Feed.UnsubscribeChunkSize,
		InterChunkDelay:        cfg.Feed.InterChunkDelay,
		HeartbeatInterval:      cfg.Feed.HeartbeatInterval,
		HeartbeatCheckInterval: cfg.Feed.HeartbeatCheckInterval,
		StaleMultiplier:        cfg.Feed.StaleMultiplier,
		ReconnectInterval:      cfg.Feed.ReconnectInterval,
	}, transport, quotes, retained, channels)

	agg := aggregator.New(aggregator.Config{
		RiskFreeRate:  cfg.Greeks.RiskFreeRate,
		DividendYield: cfg.Greeks.DividendYield,
	}, quotes, nil, supervisor, channels)

	alerts := alert.NewManager(alert.Config{
		Enabled:        cfg.Alert.Enabled,
		WebhookURL:     cfg.Alert.WebhookURL,
		StartupDelay:   cfg.Alert.StartupDelay,
		WarmupPeriod:   cfg.Alert.WarmupPeriod,
		Cooldown:       cfg.Alert.Cooldown,
		GammaThreshold: cfg.Alert.GammaThreshold,
		VannaThreshold: cfg.Alert.VannaThreshold,
		CharmThreshold: cfg.Alert.CharmThreshold,
		RequestTimeout: cfg.Alert.RequestTimeout,
	})

	var archive *writer.ArchiveWriter
	if cfg.Writer.Enabled {
		archive, err = writer.NewArchiveWriter(cfg, agg.SubscribeUpdates(cfg.Channels.SnapshotBuffer))
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("snapshot archiving disabled")
	}

	if err := supervisor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start feed supervisor")
		os.Exit(1)
	}

	orch := orchestrator.New(cfg, channels, supervisor, agg, alerts, quotes, retained)
	if err := orch.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start orchestrator")
		os.Exit(1)
	}

	if archive != nil {
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if archive != nil {
		log.Info("stopping archive writer")
		archive.Stop()
	}

	log.Info("stopping feed supervisor")
	supervisor.Stop()

	log.Info("stopping orchestrator")
	orch.Stop()

	log.Info("gammaflow stopped")
}
