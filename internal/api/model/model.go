package model

import (
	"time"

	"github.com/lib/pq"
)

type JournalEntry struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	EntryNumber int            `db:"entry_number"`
	Title       *string        `db:"title"`
	Content     string         `db:"content"`
	Sentiment   *string        `db:"sentiment"`
	Keywords    pq.StringArray `db:"keywords"`
	Summary     *string        `db:"summary"`
	ImageURL    *string        `db:"image_url"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

type Document struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	SourceName string    `db:"source_name"`
	Status     string    `db:"status"`
	UploadedAt time.Time `db:"uploaded_at"`
}
