package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/cuongbtq/journal-pipeline/internal/worker/storage"
)

// SourceTextIngestion names documents created from raw text
const SourceTextIngestion = "text_ingestion"

var ErrNoChunks = errors.New("text produced no chunks")

// IngestionDeps are the collaborators of the ingestion stage
type IngestionDeps struct {
	Splitter  Splitter
	Embedder  Embedder
	Documents DocumentStore
	BatchSize int // texts per embedding call, default 32
	Logger    *slog.Logger
}

// NewIngestionStage consumes ingestion-queue; it is a terminal stage
func NewIngestionStage(deps *IngestionDeps) (Stage, error) {
	if deps.Splitter == nil || deps.Embedder == nil || deps.Documents == nil {
		return Stage{}, errors.New("ingestion stage: splitter, embedder and documents are required")
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = 32
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return Stage{
		Name:       StageIngestion,
		InputQueue: IngestionQueue,
		Handler:    deps.Handle,
	}, nil
}

// Handle chunks and embeds the text, tracking progress on the document row:
// processing, then complete or failed.
func (d *IngestionDeps) Handle(ctx context.Context, msg *domain.Message) error {
	var in IngestionMessage
	if err := msg.Decode(&in); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return err
	}

	docID := in.DocumentID
	if docID == "" {
		id, err := d.Documents.CreateDocument(ctx, in.UserID, SourceTextIngestion)
		if err != nil {
			return err
		}
		docID = id
	} else if err := d.Documents.SetDocumentStatus(ctx, docID, domain.DocumentStatusProcessing); err != nil {
		return err
	}

	logger := d.Logger.With(
		slog.String("document_id", docID),
		slog.String("message_id", msg.MessageID),
	)
	logger.Info("Processing ingestion")

	n, err := d.process(ctx, in.UserID, docID, in.Text)
	if err != nil {
		logger.Error("Ingestion failed", slog.Any("error", err))

		// the handler context may already be past its deadline
		statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if serr := d.Documents.SetDocumentStatus(statusCtx, docID, domain.DocumentStatusFailed); serr != nil {
			logger.Error("Failed to mark document failed", slog.Any("error", serr))
		}
		return fmt.Errorf("ingest document %s: %w", docID, err)
	}

	if err := d.Documents.SetDocumentStatus(ctx, docID, domain.DocumentStatusComplete); err != nil {
		return err
	}

	logger.Info("Document processed", slog.Int("chunks", n))
	return nil
}

func (d *IngestionDeps) process(ctx context.Context, userID, docID, text string) (int, error) {
	texts := d.Splitter.Split(text)
	if len(texts) == 0 {
		return 0, ErrNoChunks
	}

	chunks := make([]storage.Chunk, 0, len(texts))
	for start := 0; start < len(texts); start += d.BatchSize {
		end := min(start+d.BatchSize, len(texts))

		vectors, err := d.Embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return 0, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vectors) != end-start {
			return 0, fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end-1, len(vectors))
		}

		for i, v := range vectors {
			chunks = append(chunks, storage.Chunk{
				Index:     start + i,
				Content:   texts[start+i],
				Embedding: v,
			})
		}
	}

	if err := d.Documents.UpsertChunks(ctx, userID, docID, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}
