// Command delv runs the research-agent orchestration service: an HTTP
// API for submitting runs, a worker pool executing the research
// workflow, and the approval gate for risky side-effects.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/delvd/delv/pkg/agent"
	"github.com/delvd/delv/pkg/api"
	"github.com/delvd/delv/pkg/approval"
	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/gap"
	"github.com/delvd/delv/pkg/llm"
	"github.com/delvd/delv/pkg/mcp"
	"github.com/delvd/delv/pkg/memory"
	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/queue"
	"github.com/delvd/delv/pkg/registry"
	"github.com/delvd/delv/pkg/telemetry"
	"github.com/delvd/delv/pkg/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "delv.yaml", "path to the configuration file")
	flag.Parse()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer shutdownTracer(tracer)

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	runs := registry.NewService(store)

	memStore, err := memory.NewChromemStore(cfg.Memory)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}

	mcpClient := mcp.NewClient(cfg.MCPServers)
	mcpClient.Connect(ctx)
	defer mcpClient.Close()

	llmClient, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	toolset := agent.MultiToolset{
		mcp.NewToolset(mcpClient),
		agent.StaticToolset(memory.BuiltinTools(memStore)),
	}
	detector := gap.NewDetector(llmClient)
	engine := agent.NewEngine(llmClient, toolset, detector, tracer, cfg.Agent)

	machine := workflow.New(engine, memStore)
	gate := approval.NewGate(logActionExecutor, runs, cfg.Approval)
	executor := queue.NewRunExecutor(machine, gate, runs, cfg.Workflow)

	pool := queue.NewPool(runs, executor, cfg.Queue)
	pool.Start(ctx)

	server := api.NewServer(runs, cfg.Server.Addr)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr)
		errCh <- server.Run()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	pool.Stop()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (registry.RunStore, func(), error) {
	if cfg.Database.URL == "" {
		slog.Info("Using in-memory run store")
		return registry.NewMemStore(), func() {}, nil
	}
	pg, err := registry.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	slog.Info("Using postgres run store")
	return pg, func() { _ = pg.Close() }, nil
}

// logActionExecutor acknowledges approved actions without performing
// them. Deployments wire a real executor for their side-effect channels.
func logActionExecutor(_ context.Context, action models.PlannedAction) (string, error) {
	slog.Info("Executing approved action",
		"action_type", action.ActionType, "description", action.ActionDescription)
	ack, err := json.Marshal(map[string]any{
		"status":      "acknowledged",
		"action_type": action.ActionType,
	})
	if err != nil {
		return "", err
	}
	return string(ack), nil
}

func shutdownTracer(tracer *telemetry.Tracer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracer.Shutdown(ctx); err != nil {
		slog.Warn("Tracer shutdown failed", "error", err)
	}
}
