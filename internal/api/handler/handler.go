package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/journal-pipeline/internal/api/model"
	"github.com/cuongbtq/journal-pipeline/internal/api/storage"
	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
)

// JournalStore is the persistence the handlers need
type JournalStore interface {
	CreateJournalEntry(ctx context.Context, userID, title, content string) (*model.JournalEntry, error)
	GetJournalEntry(ctx context.Context, userID, entryID string) (*model.JournalEntry, error)
	ListJournalEntries(ctx context.Context, filter storage.EntryFilter) ([]model.JournalEntry, error)
	CreateDocument(ctx context.Context, userID, sourceName string) (*model.Document, error)
}

// Publisher hands envelopes to the pipeline queues
type Publisher interface {
	Publish(ctx context.Context, queue string, envelope any) (*rabbitmq.PublishResult, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       JournalStore
	Publisher   Publisher
	HealthCheck func(ctx context.Context) error // optional
}

// JournalHandler handles journal entry and ingestion requests
type JournalHandler struct {
	logger    *slog.Logger
	store     JournalStore
	publisher Publisher
}

// NewJournalHandler creates a new JournalHandler instance
func NewJournalHandler(deps *Dependencies) *JournalHandler {
	return &JournalHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
	}
}
