package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/no-man-is-an-island/toshtogo/internal/agent"
	"github.com/no-man-is-an-island/toshtogo/internal/client"
	"github.com/no-man-is-an-island/toshtogo/internal/config"
	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAgentConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("server_url", cfg.Agent.ServerURL),
		slog.Any("job_types", cfg.Agent.JobTypes),
	)

	apiClient := client.New(client.Config{
		BaseURL: cfg.Agent.ServerURL,
		Agent: core.AgentDetails{
			Hostname:      hostname,
			SystemName:    cfg.App.Name,
			SystemVersion: cfg.App.Version,
		},
	})

	registry := agent.NewRegistry()
	for _, jobType := range cfg.Agent.JobTypes {
		if err := registry.Register(jobType, echoHandler(appLogger.Logger)); err != nil {
			return fmt.Errorf("failed to register handler: %w", err)
		}
	}

	worker := agent.New(&agent.Config{
		Logger:            appLogger.Logger,
		Client:            apiClient,
		Registry:          registry,
		Concurrency:       cfg.Agent.Concurrency,
		PollInterval:      cfg.Agent.PollInterval,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		appLogger.Info("Shutting down worker...")
		worker.Stop()

		time.AfterFunc(cfg.Agent.ShutdownTimeout, func() {
			appLogger.Error("Shutdown timed out, forcing exit")
			os.Exit(1)
		})
	}()

	worker.Start(ctx)
	return nil
}

// echoHandler is the built-in placeholder executor: it reports the
// request back as the result. Real deployments register their own
// handlers per job type.
func echoHandler(logger *slog.Logger) agent.HandlerFunc {
	return func(ctx context.Context, work *core.ContractView) (json.RawMessage, error) {
		logger.Info("Executing job",
			slog.String("job_id", work.JobID.String()),
			slog.String("job_type", work.JobType),
			slog.Int("dependencies", len(work.Dependencies)),
		)

		result, err := json.Marshal(map[string]interface{}{
			"echo": work.RequestBody,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return result, nil
	}
}
