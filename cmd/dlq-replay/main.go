package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/config"
	"github.com/cuongbtq/journal-pipeline/internal/pipeline"
	"github.com/cuongbtq/journal-pipeline/shared/logger"
	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/journal-pipeline/shared/telemetry"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run moves dead letters of one stage queue back onto it. Replay is manual:
// operators run it after fixing whatever made the messages fail.
func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	queue := flag.String("queue", "", "Primary queue whose dead letters are replayed")
	stage := flag.String("stage", "", "Stage name, as an alternative to -queue")
	max := flag.Int("max", 0, "Maximum messages to replay; 0 drains the dead-letter queue")
	flag.Parse()

	target := *queue
	if target == "" && *stage != "" {
		q, err := pipeline.InputQueueFor(*stage)
		if err != nil {
			return err
		}
		target = q
	}
	if target == "" {
		return fmt.Errorf("one of -queue or -stage is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.Logging.NoColor,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.InitProvider(ctx, telemetry.Config{
		ServiceName:     "dlq-replay",
		ServiceVersion:  cfg.App.Version,
		InstanceID:      fmt.Sprintf("dlq-replay-%d", os.Getpid()),
		Endpoint:        cfg.Telemetry.Endpoint,
		Insecure:        cfg.Telemetry.Insecure,
		MetricsEnabled:  cfg.Telemetry.MetricsEnabled,
		MetricsInterval: cfg.Telemetry.MetricsInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		URL:               cfg.RabbitMQ.URL,
		Host:              cfg.RabbitMQ.Host,
		Port:              cfg.RabbitMQ.Port,
		User:              cfg.RabbitMQ.User,
		Password:          cfg.RabbitMQ.Password,
		VHost:             cfg.RabbitMQ.VHost,
		DeadLetter:        true,
		RetryAttempts:     cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:     cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:         cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout: cfg.RabbitMQ.Connection.ConnectionTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer client.Close()

	replayed, err := rabbitmq.ReplayDeadLetters(ctx, client, target, *max, appLogger.Logger)
	metrics.DeadLettersReplayed(ctx, target, replayed)
	if err != nil {
		return fmt.Errorf("replay stopped after %d messages: %w", replayed, err)
	}

	appLogger.Info("Replay complete",
		slog.String("queue", target),
		slog.String("dead_letter_queue", rabbitmq.DeadLetterQueue(target)),
		slog.Int("replayed", replayed),
	)
	return nil
}
