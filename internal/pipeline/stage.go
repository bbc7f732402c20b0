package pipeline

import (
	"context"
	"fmt"

	"github.com/cuongbtq/journal-pipeline/internal/inference"
	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/cuongbtq/journal-pipeline/internal/worker/storage"
	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
)

// Stage names accepted by the worker binary
const (
	StageIngestion = "ingestion"
	StageAnalysis  = "analysis"
	StageImageGen  = "image-gen"
)

// StageNames lists every stage
var StageNames = []string{StageIngestion, StageAnalysis, StageImageGen}

// Stage binds a handler to its input queue. OutputQueue is empty for
// terminal stages.
type Stage struct {
	Name        string
	InputQueue  string
	OutputQueue string
	Handler     domain.Handler
}

// InputQueueFor returns the queue a stage consumes
func InputQueueFor(stage string) (string, error) {
	switch stage {
	case StageIngestion:
		return IngestionQueue, nil
	case StageAnalysis:
		return AnalysisQueue, nil
	case StageImageGen:
		return ImageGenQueue, nil
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

// Analyzer produces a structured analysis of journal text
type Analyzer interface {
	Analyze(ctx context.Context, content string) (*inference.Analysis, error)
}

// PromptGenerator writes an image prompt from an analysis
type PromptGenerator interface {
	GeneratePrompt(ctx context.Context, sentiment string, keywords []string, content string) (string, error)
}

// Embedder turns texts into vectors, one per text
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ImageGenerator renders a prompt into image bytes
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// ObjectStore uploads bytes and returns their public URL
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Publisher sends an envelope to a queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, queue string, envelope any) (*rabbitmq.PublishResult, error)
}

// EntryStore persists stage results on journal entries
type EntryStore interface {
	UpdateAnalysis(ctx context.Context, entryID string, a *storage.Analysis) error
	UpdateImageURL(ctx context.Context, entryID, imageURL string) error
}

// DocumentStore persists ingestion progress and chunks
type DocumentStore interface {
	CreateDocument(ctx context.Context, userID, sourceName string) (string, error)
	SetDocumentStatus(ctx context.Context, documentID, status string) error
	UpsertChunks(ctx context.Context, userID, documentID string, chunks []storage.Chunk) error
}

// Splitter cuts text into chunks
type Splitter interface {
	Split(text string) []string
}
