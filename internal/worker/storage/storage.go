package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Analysis is the persisted result of the analysis stage. The extended
// sections hold JSON documents; empty ones are stored as NULL.
type Analysis struct {
	Title              string
	Sentiment          string
	Keywords           []string
	Summary            string
	EmotionalLandscape string
	ThemesTopics       string
	CognitivePatterns  string
	RelationalDynamics string
	ContextualClues    string
}

// Chunk is one embedded slice of an ingested document
type Chunk struct {
	Index     int
	Content   string
	Embedding []float32
}

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// UpdateAnalysis writes the analysis fields of a journal entry. Replays overwrite.
func (s *Storage) UpdateAnalysis(ctx context.Context, entryID string, a *Analysis) error {
	query := `
		UPDATE journal_entries
		SET title = $1,
		    sentiment = $2,
		    keywords = $3,
		    summary = $4,
		    emotional_landscape = $5,
		    themes_topics = $6,
		    cognitive_patterns = $7,
		    relational_dynamics = $8,
		    contextual_clues = $9,
		    updated_at = NOW()
		WHERE id = $10
	`

	result, err := s.db.ExecContext(ctx, query,
		a.Title,
		a.Sentiment,
		pq.Array(a.Keywords),
		a.Summary,
		jsonb(a.EmotionalLandscape),
		jsonb(a.ThemesTopics),
		jsonb(a.CognitivePatterns),
		jsonb(a.RelationalDynamics),
		jsonb(a.ContextualClues),
		entryID,
	)
	if err != nil {
		return fmt.Errorf("failed to update analysis: %w", err)
	}

	return requireOneRow(result, entryID)
}

// UpdateImageURL sets the entry's image url. Last write wins.
func (s *Storage) UpdateImageURL(ctx context.Context, entryID, imageURL string) error {
	query := `
		UPDATE journal_entries
		SET image_url = $1,
		    updated_at = NOW()
		WHERE id = $2
	`

	result, err := s.db.ExecContext(ctx, query, imageURL, entryID)
	if err != nil {
		return fmt.Errorf("failed to update image url: %w", err)
	}

	return requireOneRow(result, entryID)
}

// CreateDocument inserts a document in the processing state and returns its id
func (s *Storage) CreateDocument(ctx context.Context, userID, sourceName string) (string, error) {
	query := `
		INSERT INTO documents (user_id, source_name, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id string
	if err := s.db.QueryRowxContext(ctx, query, userID, sourceName, domain.DocumentStatusProcessing).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	return id, nil
}

// SetDocumentStatus records a document's ingestion status
func (s *Storage) SetDocumentStatus(ctx context.Context, documentID, status string) error {
	query := `
		UPDATE documents
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
	`

	result, err := s.db.ExecContext(ctx, query, status, documentID)
	if err != nil {
		return fmt.Errorf("failed to set document status: %w", err)
	}

	return requireOneRow(result, documentID)
}

// UpsertChunks replaces every chunk of a document in one transaction, so a
// redelivered ingestion leaves exactly one copy.
func (s *Storage) UpsertChunks(ctx context.Context, userID, documentID string, chunks []Chunk) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// no-op after commit
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	insert := `
		INSERT INTO document_chunks (
			user_id, document_id, chunk_index, content, embedding
		) VALUES (
			$1, $2, $3, $4, $5
		)
	`

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, insert,
			userID,
			documentID,
			c.Index,
			c.Content,
			pq.Array(toFloat64(c.Embedding)),
		); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}

	s.logger.Debug("Document chunks stored",
		slog.String("document_id", documentID),
		slog.Int("chunks", len(chunks)),
	)
	return nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func requireOneRow(result rowsAffected, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrEntryNotFound, id)
	}
	return nil
}

func jsonb(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
