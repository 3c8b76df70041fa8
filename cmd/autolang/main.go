package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saltyorg/autolang/internal/autolang"
	"github.com/saltyorg/autolang/internal/config"
	"github.com/saltyorg/autolang/internal/health"
	"github.com/saltyorg/autolang/internal/history"
	"github.com/saltyorg/autolang/internal/logging"
	"github.com/saltyorg/autolang/internal/notification"
	"github.com/saltyorg/autolang/internal/plex"
	"github.com/saltyorg/autolang/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "autolang",
		Short: "AutoLang - Automatic audio and subtitle track propagation",
		Long:  `AutoLang watches a media server's notification stream and keeps every user's preferred audio and subtitle tracks applied across the episodes of the shows they watch.`,
		RunE:  run,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/config/config.toml", "Path to the configuration file (or set CONFIG_PATH env var)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("autolang %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "/config/config.toml" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			configPath = envPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Apply(cfg.Logging.Level, cfg.Logging.File)
	log.Info().Str("version", version).Str("config", configPath).Msg("Starting AutoLang")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := notification.NewManager(buildProviders(cfg))
	manager.Start()
	defer manager.Stop()

	client := plex.NewClient(cfg.Server.URL, cfg.Server.Token)
	server, err := autolang.NewServer(ctx, client, cfg.Settings(), manager, store)
	if err != nil {
		return err
	}
	defer server.Cache().Save()
	go server.Cache().RunCleanup(ctx, time.Hour)

	queue := autolang.NewQueue(0)
	ingestor := autolang.NewIngestor(queue, cfg.Settings())
	processor := autolang.NewProcessor(queue, server)
	go processor.Run(ctx)

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(ctx, cfg.Scheduler.Time, server.DeepAnalysis)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	if cfg.Health.Enabled {
		healthServer := health.New(cfg.Health.Bind, func() health.Status {
			return health.Status{
				Ready:       true,
				QueueLength: queue.Len(),
				LastRefresh: server.Cache().LastRefresh(),
			}
		}, store)
		go func() {
			if err := healthServer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Health server failed")
			}
		}()
	}

	listener := plex.NewListener(cfg.Server.URL, cfg.Server.Token, ingestor.Ingest)
	if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Shutting down")
	return nil
}

func buildProviders(cfg *config.Config) []notification.Provider {
	var providers []notification.Provider
	for _, n := range cfg.Notifications {
		switch n.Type {
		case "discord":
			providers = append(providers, notification.NewDiscordProvider(n.WebhookURL, n.EventTypes, n.Usernames))
		case "webhook":
			providers = append(providers, notification.NewWebhookProvider(n.WebhookURL, n.EventTypes, n.Usernames))
		}
	}
	return providers
}
