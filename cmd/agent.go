package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/taskfabric/internal/agent"
	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/internal/telemetry"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run a worker agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
}

func runAgent() error {
	setupLogging()
	agent.Version = Version

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if cfg.Agent.ID == "" || cfg.Agent.APIKey == "" {
		slog.Error("agent requires TASKFABRIC_AGENT_ID and TASKFABRIC_AGENT_API_KEY")
		os.Exit(1)
	}
	if len(cfg.Agent.ProjectRoots) == 0 {
		slog.Error("agent requires at least one project root")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "taskfabric-agent")
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	guard, err := agent.NewPathGuard(cfg.Agent.ProjectRoots)
	if err != nil {
		return err
	}
	monitor := agent.NewResourceMonitor()
	invoker := agent.NewCLIInvoker(cfg.Agent.InvokerCommand, cfg.Agent.InvokerArgs)

	var client *agent.Client
	executor := agent.NewExecutor(cfg.Agent, invoker, guard, monitor,
		func(ctx context.Context, msgType string, payload any) error {
			return client.Send(ctx, msgType, payload)
		})
	executor.OnRestart = func(reason string, rebuild bool) {
		// The supervisor (systemd, docker) brings the process back up.
		slog.Info("agent.restart_requested", "reason", reason, "rebuild", rebuild)
		stop()
	}

	client = agent.NewClient(cfg.Agent, func(ctx context.Context, env *protocol.Envelope) {
		executor.HandleEnvelope(ctx, env)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx) })
	g.Go(func() error { executor.RunStatusReporter(ctx, cfg.Agent.KeepaliveInterval); return nil })

	slog.Info("agent ready", "agent_id", cfg.Agent.ID, "gateway", cfg.Agent.GatewayURL,
		"roots", cfg.Agent.ProjectRoots, "max_concurrent", cfg.Agent.MaxConcurrentTasks)

	err = g.Wait()

	// Let in-flight runners send their terminal frames before exiting.
	executor.Wait()
	if err != nil {
		return err
	}
	slog.Info("agent stopped")
	return nil
}
