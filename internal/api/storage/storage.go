package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/api/domain"
	"github.com/cuongbtq/journal-pipeline/internal/api/model"
	"github.com/cuongbtq/journal-pipeline/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const entryColumns = `
	id, user_id, entry_number, title, content,
	sentiment, keywords, summary, image_url, created_at, updated_at
`

type Storage struct {
	pg *postgresql.Client
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		pg: pg,
		db: pg.GetDB(),
	}
}

// CreateJournalEntry inserts an entry with the user's next entry number. The
// advisory lock serializes numbering per user for the length of the transaction.
func (s *Storage) CreateJournalEntry(ctx context.Context, userID, title, content string) (*model.JournalEntry, error) {
	var entry model.JournalEntry

	err := s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
			return fmt.Errorf("failed to lock entry numbers: %w", err)
		}

		var next int
		if err := tx.GetContext(ctx, &next,
			`SELECT COALESCE(MAX(entry_number), 0) + 1 FROM journal_entries WHERE user_id = $1`,
			userID,
		); err != nil {
			return fmt.Errorf("failed to compute entry number: %w", err)
		}

		query := `
			INSERT INTO journal_entries (user_id, entry_number, title, content)
			VALUES ($1, $2, $3, $4)
			RETURNING ` + entryColumns

		if err := tx.GetContext(ctx, &entry, query, userID, next, nullString(title), content); err != nil {
			return fmt.Errorf("failed to create journal entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

func (s *Storage) GetJournalEntry(ctx context.Context, userID, entryID string) (*model.JournalEntry, error) {
	var entry model.JournalEntry
	query := `SELECT ` + entryColumns + `
		FROM journal_entries
		WHERE id = $1 AND user_id = $2
	`

	err := s.db.GetContext(ctx, &entry, query, entryID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entry: %w", err)
	}

	return &entry, nil
}

type EntryFilter struct {
	UserID   string
	PageSize int
	Cursor   *EntryCursor
}

type EntryCursor struct {
	CreatedAt time.Time
	EntryID   string
}

// ListJournalEntries returns up to PageSize+1 entries, newest first, so the
// caller can tell whether another page exists
func (s *Storage) ListJournalEntries(ctx context.Context, filter EntryFilter) ([]model.JournalEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM journal_entries
		WHERE user_id = $1
	`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.EntryID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var entries []model.JournalEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}

	return entries, nil
}

// CreateDocument records a document accepted for ingestion
func (s *Storage) CreateDocument(ctx context.Context, userID, sourceName string) (*model.Document, error) {
	var doc model.Document
	query := `
		INSERT INTO documents (user_id, source_name, status)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, source_name, status, uploaded_at
	`

	if err := s.db.GetContext(ctx, &doc, query, userID, sourceName, domain.DocumentStatusQueued); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	return &doc, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
