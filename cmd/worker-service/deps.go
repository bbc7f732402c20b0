package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/journal-pipeline/internal/config"
	"github.com/cuongbtq/journal-pipeline/internal/dedup"
	"github.com/cuongbtq/journal-pipeline/internal/imagegen"
	"github.com/cuongbtq/journal-pipeline/internal/inference"
	"github.com/cuongbtq/journal-pipeline/internal/objectstore"
	"github.com/cuongbtq/journal-pipeline/internal/pipeline"
	"github.com/cuongbtq/journal-pipeline/internal/retry"
	"github.com/cuongbtq/journal-pipeline/internal/textproc"
	"github.com/cuongbtq/journal-pipeline/internal/worker"
	"github.com/cuongbtq/journal-pipeline/internal/worker/storage"
	"github.com/cuongbtq/journal-pipeline/shared/postgresql"
	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/journal-pipeline/shared/telemetry"
)

type stageResources struct {
	logger  *slog.Logger
	db      *postgresql.Client
	metrics *telemetry.Metrics
}

// stageBundle is the dependency set of one stage, built once per process
// and released on shutdown
type stageBundle struct {
	stage   pipeline.Stage
	dedup   worker.Deduplicator
	closers []func() error
}

func (b *stageBundle) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func buildStage(ctx context.Context, cfg *config.Config, res *stageResources) (*stageBundle, error) {
	bundle := &stageBundle{}

	var err error
	switch cfg.Worker.Stage {
	case config.StageIngestion:
		bundle.stage, err = buildIngestion(cfg, res)
	case config.StageAnalysis:
		bundle.stage, err = buildAnalysis(cfg, res, bundle)
	case config.StageImageGen:
		bundle.stage, err = buildImageGen(ctx, cfg, res)
	default:
		err = fmt.Errorf("unknown stage %q", cfg.Worker.Stage)
	}
	if err != nil {
		bundle.Close()
		return nil, err
	}

	if cfg.Worker.Dedup {
		store, err := dedup.NewRedis(ctx, dedup.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		}, res.logger)
		if err != nil {
			bundle.Close()
			return nil, err
		}
		bundle.dedup = store
		bundle.closers = append(bundle.closers, store.Close)
	}

	res.logger.Info("Stage dependencies ready",
		slog.String("stage", bundle.stage.Name),
		slog.String("input_queue", bundle.stage.InputQueue),
		slog.String("output_queue", bundle.stage.OutputQueue),
		slog.Bool("dedup", cfg.Worker.Dedup),
	)
	return bundle, nil
}

func newOllama(cfg *config.Config, logger *slog.Logger) *inference.Ollama {
	return inference.NewOllama(inference.Config{
		BaseURL:          cfg.Inference.BaseURL,
		Model:            cfg.Inference.Model,
		EmbedModel:       cfg.Inference.EmbedModel,
		Timeout:          cfg.Inference.Timeout,
		FailureThreshold: cfg.Inference.FailureThreshold,
		ResetTimeout:     cfg.Inference.ResetTimeout,
	}, logger)
}

func buildIngestion(cfg *config.Config, res *stageResources) (pipeline.Stage, error) {
	splitter := textproc.DefaultSplitter()
	if cfg.Ingestion.ChunkSize > 0 {
		s, err := textproc.NewSplitter(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
		if err != nil {
			return pipeline.Stage{}, err
		}
		splitter = s
	}

	return pipeline.NewIngestionStage(&pipeline.IngestionDeps{
		Splitter:  splitter,
		Embedder:  newOllama(cfg, res.logger.With(slog.String("component", "ollama"))),
		Documents: storage.NewStorage(res.db.GetDB(), res.logger),
		BatchSize: cfg.Ingestion.EmbedBatchSize,
		Logger:    res.logger.With(slog.String("component", "ingestion")),
	})
}

// buildAnalysis wires the stage with its own publisher connection for
// image-gen-queue, separate from the consumer's channel
func buildAnalysis(cfg *config.Config, res *stageResources, bundle *stageBundle) (pipeline.Stage, error) {
	publisherClient, err := initRabbitMQ(&cfg.RabbitMQ, res.logger)
	if err != nil {
		return pipeline.Stage{}, fmt.Errorf("failed to connect publisher: %w", err)
	}
	bundle.closers = append(bundle.closers, publisherClient.Close)

	policy := retry.AnalysisBackoff()
	if cfg.Analysis.RetryAttempts > 0 {
		policy.Attempts = cfg.Analysis.RetryAttempts
	}
	if cfg.Analysis.RetryMultiplier > 0 {
		policy.Multiplier = cfg.Analysis.RetryMultiplier
	}
	if cfg.Analysis.RetryMinDelay > 0 {
		policy.MinDelay = cfg.Analysis.RetryMinDelay
	}
	if cfg.Analysis.RetryMaxDelay > 0 {
		policy.MaxDelay = cfg.Analysis.RetryMaxDelay
	}

	ollama := newOllama(cfg, res.logger.With(slog.String("component", "ollama")))

	return pipeline.NewAnalysisStage(&pipeline.AnalysisDeps{
		Analyzer:  ollama,
		Prompts:   ollama,
		Entries:   storage.NewStorage(res.db.GetDB(), res.logger),
		Publisher: rabbitmq.NewPublisher(publisherClient, res.logger, res.metrics),
		Retry:     policy,
		Logger:    res.logger.With(slog.String("component", "analysis")),
	})
}

func buildImageGen(ctx context.Context, cfg *config.Config, res *stageResources) (pipeline.Stage, error) {
	store, err := objectstore.NewStore(ctx, objectstore.Config{
		Endpoint:     cfg.ObjectStorage.Endpoint,
		Region:       cfg.ObjectStorage.Region,
		AccessKey:    cfg.ObjectStorage.AccessKey,
		SecretKey:    cfg.ObjectStorage.SecretKey,
		Bucket:       cfg.ObjectStorage.Bucket,
		PublicURL:    cfg.ObjectStorage.PublicURL,
		UsePathStyle: cfg.ObjectStorage.UsePathStyle,
		PublicRead:   cfg.ObjectStorage.PublicRead,
	}, res.logger.With(slog.String("component", "objectstore")))
	if err != nil {
		return pipeline.Stage{}, err
	}

	if err := store.EnsureBucket(ctx); err != nil {
		return pipeline.Stage{}, fmt.Errorf("failed to prepare bucket %s: %w", store.Bucket(), err)
	}

	generator := imagegen.NewStableDiffusion(imagegen.Config{
		BaseURL:           cfg.ImageGeneration.BaseURL,
		Steps:             cfg.ImageGeneration.Steps,
		Width:             cfg.ImageGeneration.Width,
		Height:            cfg.ImageGeneration.Height,
		CFGScale:          cfg.ImageGeneration.CFGScale,
		Sampler:           cfg.ImageGeneration.Sampler,
		NegativePrompt:    cfg.ImageGeneration.NegativePrompt,
		Timeout:           cfg.ImageGeneration.Timeout,
		RequestsPerMinute: cfg.ImageGeneration.RequestsPerMinute,
		Burst:             cfg.ImageGeneration.Burst,
		FailureThreshold:  cfg.ImageGeneration.FailureThreshold,
		ResetTimeout:      cfg.ImageGeneration.ResetTimeout,
	}, res.logger.With(slog.String("component", "imagegen")))

	return pipeline.NewImageGenStage(&pipeline.ImageGenDeps{
		Generator: generator,
		Objects:   store,
		Entries:   storage.NewStorage(res.db.GetDB(), res.logger),
		Logger:    res.logger.With(slog.String("component", "image-gen")),
	})
}
