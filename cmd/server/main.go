// Command server boots the task orchestration engine's HTTP surface: it
// wires the Circuit Breaker, Token-Bucket Limiter, Session Pool, Result
// Parser, Step Executor, Planner Adapter, DAG Scheduler, Pipeline Driver,
// Event Broadcaster and Task Store into one process and serves them over
// net/http, mirroring the teacher's cobra-based CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/taskmesh/orchestrator/browser"
	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/events"
	"github.com/taskmesh/orchestrator/executor"
	"github.com/taskmesh/orchestrator/llmsvc"
	"github.com/taskmesh/orchestrator/planner"
	"github.com/taskmesh/orchestrator/ratelimit"
	"github.com/taskmesh/orchestrator/resilience"
	"github.com/taskmesh/orchestrator/resultparser"
	"github.com/taskmesh/orchestrator/scheduler"
	"github.com/taskmesh/orchestrator/taskstore"
	transporthttp "github.com/taskmesh/orchestrator/transport/http"

	"github.com/taskmesh/orchestrator/pipeline"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskmesh-server",
		Short: "Runs the task orchestration engine's HTTP API",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "taskmesh-server dev")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP server and runs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := core.NewConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := core.NewProductionLogger("taskmesh-orchestrator", cfg.LogLevel, cfg.LogFormat)

	llmClient, err := newLLMClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure llm client: %w", err)
	}

	// The same HTTPBrowserAgent backs both collaborators the browser
	// backend plays in this engine: browser.Agent for the Session Pool's
	// per-task session lifecycle, and llmsvc.BrowserAgent for the Step
	// Executor's prompt execution against that session.
	var browserAgent llmsvc.BrowserAgent
	var browserAgentFactory pipeline.BrowserAgentFactory
	if cfg.BrowserAgentAPIKey != "" {
		httpAgent := llmsvc.NewHTTPBrowserAgent(cfg.BrowserAgentAPIKey, cfg.BrowserAgentBaseURL, logger)
		browserAgent = httpAgent
		browserAgentFactory = func() browser.Agent { return httpAgent }
	}

	var breakerMetrics resilience.MetricsCollector
	if collector, err := resilience.NewOTelMetricsCollector(ctx); err != nil {
		logger.Warn("circuit breaker metrics disabled", map[string]interface{}{"error": err.Error()})
	} else {
		breakerMetrics = collector
	}

	llmBreaker := resilience.NewCircuitBreaker(resilience.Config{Name: "llm", Logger: logger, Metrics: breakerMetrics})
	browserBreaker := resilience.NewCircuitBreaker(resilience.Config{
		Name:   "browser",
		Logger: logger,
		// the browser backend is an external, network-bound collaborator;
		// trip faster than the LLM breaker's default so a flaky session
		// host doesn't stall every in-flight branch behind it.
		FailureThreshold: 3,
		Metrics:          breakerMetrics,
	})

	exec := executor.New(executor.Config{
		LLM:            llmClient,
		Agent:          browserAgent,
		LLMBreaker:     llmBreaker,
		BrowserBreaker: browserBreaker,
		Parser:         resultparser.New(llmClient, logger),
		BrowserTimeout: time.Duration(cfg.BrowserTimeoutSeconds) * time.Second,
		Logger:         logger,
	})

	broadcaster := events.NewBroadcaster(logger)

	persister, err := newPersister(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure persister: %w", err)
	}
	store := taskstore.New(persister, logger)

	driver := pipeline.New(pipeline.Config{
		Store:   store,
		Planner: planner.New(llmClient, logger),
		NewScheduler: func() *scheduler.Scheduler {
			return scheduler.New(exec, broadcaster, logger)
		},
		Broadcaster:         broadcaster,
		BrowserAgentFactory: browserAgentFactory,
		MaxSessions:         cfg.MaxConcurrentBrowsers,
		Logger:              logger,
	})

	limiter := ratelimit.New(cfg.MaxConcurrentTasks, cfg.MaxTasksPerMinute, logger)

	server := transporthttp.NewServer(transporthttp.Config{
		Driver:      driver,
		Store:       store,
		Broadcaster: broadcaster,
		Limiter:     limiter,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"addr": cfg.Addr()})
		serveErr <- httpServer.ListenAndServe()
	}()

	stop, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-stop.Done():
		logger.Info("shutting down", nil)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func newLLMClient(cfg *core.Config, logger core.Logger) (llmsvc.LLMService, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		return llmsvc.NewAnthropicClient(cfg.LLMAPIKey, logger), nil
	case "openai-sdk":
		return llmsvc.NewSDKClient(cfg.LLMAPIKey, cfg.LLMBaseURL, logger), nil
	case "openai", "":
		return llmsvc.NewHTTPClient(cfg.LLMAPIKey, cfg.LLMBaseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

func newPersister(cfg *core.Config, logger core.Logger) (taskstore.Persister, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return taskstore.NewRedisPersister(client, taskstore.RedisPersisterConfig{Logger: logger}), nil
}
