// cmd/generator/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"

	"github.com/tendant/simple-trickplay/internal/bus"
	"github.com/tendant/simple-trickplay/internal/config"
	"github.com/tendant/simple-trickplay/internal/ffmpeg"
	"github.com/tendant/simple-trickplay/internal/generator"
	"github.com/tendant/simple-trickplay/internal/metrics"
	"github.com/tendant/simple-trickplay/internal/queue"
	"github.com/tendant/simple-trickplay/internal/store"
	"github.com/tendant/simple-trickplay/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(logger, "validate config", err)
	}
	if cfg.TriggerQueueURL == "" {
		fatal(logger, "validate config", fmt.Errorf("SQS_TRIGGER_QUEUE_URL is required"))
	}
	if cfg.ManifestQueueURL == "" {
		fatal(logger, "validate config", fmt.Errorf("SQS_MANIFEST_QUEUE_URL is required"))
	}
	logger.Info("generator starting", "bucket", cfg.Bucket, "interval_s", cfg.ThumbnailInterval,
		"small", cfg.SmallResolution.String(), "big", cfg.BigResolution.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		fatal(logger, "load AWS config", err)
	}

	var notifier *bus.Client
	if cfg.NotificationsEnabled() {
		notifier, err = bus.Connect(cfg.NATSURL)
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer notifier.Close()
		logger.Info("notifications enabled", "subject", cfg.NotifySubject)
	}

	metrics.Serve(cfg.MetricsAddr, logger)

	sqsClient := queue.New(awsCfg)
	gen := generator.New(cfg, ffmpeg.New(), store.New(awsCfg, cfg.Bucket), sqsClient, notifier, logger)

	worker := queue.NewWorker(sqsClient, queue.WorkerOptions{
		Stage:             schema.StageGenerator,
		QueueURL:          cfg.TriggerQueueURL,
		DeadLetterURL:     cfg.DeadLetterQueueURL,
		WaitSeconds:       cfg.WaitSeconds,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Concurrency:       1, // frame extraction saturates the host; parallelism lives inside an invocation
	}, gen.Handle, logger)

	worker.Run(ctx)
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
