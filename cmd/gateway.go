package cmd

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/taskfabric/internal/bus"
	"github.com/nextlevelbuilder/taskfabric/internal/chat"
	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/internal/gateway"
	"github.com/nextlevelbuilder/taskfabric/internal/store"
	"github.com/nextlevelbuilder/taskfabric/internal/store/pg"
	"github.com/nextlevelbuilder/taskfabric/internal/store/sqlite"
	"github.com/nextlevelbuilder/taskfabric/internal/stream"
	"github.com/nextlevelbuilder/taskfabric/internal/telemetry"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the cloud gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Gateway.Token == "" {
		slog.Error("TASKFABRIC_GATEWAY_TOKEN is not set; refusing to start without auth")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "taskfabric-gateway")
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	stores, db, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	poster := buildPoster(cfg)

	msgBus := bus.NewMemoryBus()
	agents := gateway.NewAgentManager(msgBus)
	acc := stream.New(poster, cfg.Stream.UpdateInterval, cfg.Stream.MaxSnapshotChars)
	dispatcher := gateway.NewDispatcher(stores.Tasks, stores.Audit, agents, acc, poster)
	submitter := gateway.NewSubmitter(stores.Tasks, stores.Queue, stores.Audit,
		agents, dispatcher, poster, cfg.Queue.TTL, cfg.Gateway.RateLimitRPS)
	sweeper := gateway.NewSweeper(cfg, stores.Queue, stores.Tasks, stores.Audit, agents)

	queueDispatcher := gateway.NewQueueDispatcher(stores.Queue, agents)
	queueDispatcher.Subscribe(msgBus, "offline-queue")

	server := gateway.NewServer(cfg, agents, dispatcher, submitter, stores.Audit)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { acc.Run(ctx); return nil })
	g.Go(func() error { sweeper.Run(ctx); return nil })
	g.Go(func() error {
		// Hot-reload: only per-operation settings pick up new values.
		return config.Watch(ctx, cfgPath, func(fresh *config.Config) {
			submitter.SetRate(fresh.Gateway.RateLimitRPS)
		})
	})

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("gateway ready", "mode", mode, "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("gateway stopped")
	return nil
}

// openStores picks the backend: Postgres when a DSN is set, sqlite
// otherwise.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, *sql.DB, error) {
	if cfg.IsManagedMode() {
		slog.Info("storage.backend", "driver", "postgres")
		return pg.Open(ctx, cfg.Database.PostgresDSN)
	}
	path := config.ExpandHome(cfg.Database.SQLitePath)
	slog.Info("storage.backend", "driver", "sqlite", "path", path)
	return sqlite.Open(path)
}

// buildPoster returns the chat poster, or nil when chat notifications
// are disabled. Every consumer tolerates a nil poster.
func buildPoster(cfg *config.Config) chat.Poster {
	switch cfg.Chat.Platform {
	case "", "telegram":
		if cfg.Chat.TelegramToken == "" {
			slog.Warn("chat.disabled", "reason", "TASKFABRIC_TELEGRAM_TOKEN not set")
			return nil
		}
		poster, err := chat.NewTelegram(cfg.Chat.TelegramToken, cfg.Chat.TelegramProxy)
		if err != nil {
			slog.Error("chat.telegram_init_failed", "error", err)
			return nil
		}
		return poster
	case "none":
		return nil
	default:
		slog.Warn("chat.unknown_platform", "platform", cfg.Chat.Platform)
		return nil
	}
}
