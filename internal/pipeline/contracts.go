// Package pipeline holds the queue contracts and the stage handlers that turn
// journal text into analysis, embeddings and images.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/google/uuid"
)

// Queue names shared by producers and consumers
const (
	IngestionQueue = "ingestion-queue"
	AnalysisQueue  = "journal-analysis-queue"
	ImageGenQueue  = "image-gen-queue"
)

// Queues lists every pipeline queue
var Queues = []string{IngestionQueue, AnalysisQueue, ImageGenQueue}

// IngestionMessage asks the ingestion stage to chunk and embed text. The API
// creates the document row and passes its id; without one the stage creates it.
type IngestionMessage struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id,omitempty"`
	Text       string `json:"text"`
}

// Validate checks required fields
func (m *IngestionMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return missing("user_id")
	}
	if strings.TrimSpace(m.Text) == "" {
		return missing("text")
	}
	if m.DocumentID != "" {
		return checkUUID("document_id", m.DocumentID)
	}
	return nil
}

// AnalysisMessage asks the analysis stage to analyze one journal entry
type AnalysisMessage struct {
	JournalEntryID string `json:"journal_entry_id"`
	UserID         string `json:"user_id"`
	Content        string `json:"content"`
}

// Validate checks required fields
func (m *AnalysisMessage) Validate() error {
	if m.JournalEntryID == "" {
		return missing("journal_entry_id")
	}
	if m.UserID == "" {
		return missing("user_id")
	}
	if strings.TrimSpace(m.Content) == "" {
		return missing("content")
	}
	return checkUUID("journal_entry_id", m.JournalEntryID)
}

// ImageGenMessage asks the image stage to render and attach an image
type ImageGenMessage struct {
	Prompt         string `json:"prompt"`
	UserID         string `json:"user_id"`
	JournalEntryID string `json:"journal_entry_id"`
}

// Validate checks required fields
func (m *ImageGenMessage) Validate() error {
	if strings.TrimSpace(m.Prompt) == "" {
		return missing("prompt")
	}
	if m.UserID == "" {
		return missing("user_id")
	}
	if m.JournalEntryID == "" {
		return missing("journal_entry_id")
	}
	return checkUUID("journal_entry_id", m.JournalEntryID)
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", domain.ErrMissingField, field)
}

func checkUUID(field, value string) error {
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Errorf("%w: %s is not a valid UUID", domain.ErrMalformedEnvelope, field)
	}
	return nil
}
