package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/api/domain"
	"github.com/cuongbtq/journal-pipeline/internal/api/dto"
	"github.com/cuongbtq/journal-pipeline/internal/api/model"
	"github.com/cuongbtq/journal-pipeline/internal/api/storage"
	"github.com/cuongbtq/journal-pipeline/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// UserIDKey is the gin context key holding the authenticated user id
const UserIDKey = "user_id"

// CreateEntry handles POST /api/v1/journal-entries
// Stores the entry and queues it for analysis. The response only confirms
// that the entry was queued; results are read back with GetEntry.
func (h *JournalHandler) CreateEntry(c *gin.Context) {
	userID := c.GetString(UserIDKey)

	var req dto.CreateJournalEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	entry, err := h.store.CreateJournalEntry(c.Request.Context(), userID, req.Title, req.Content)
	if err != nil {
		h.logger.Error("Failed to create journal entry", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create journal entry",
		})
		return
	}

	result, err := h.publisher.Publish(c.Request.Context(), pipeline.AnalysisQueue, pipeline.AnalysisMessage{
		JournalEntryID: entry.ID,
		UserID:         userID,
		Content:        entry.Content,
	})
	if err != nil {
		h.logger.Error("Failed to queue journal entry for analysis",
			slog.String("journal_entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":            "Journal entry saved but could not be queued for analysis",
			"journal_entry_id": entry.ID,
		})
		return
	}

	h.logger.Info("Journal entry queued",
		slog.String("journal_entry_id", entry.ID),
		slog.Int("entry_number", entry.EntryNumber),
		slog.String("message_id", result.MessageID),
	)

	c.JSON(http.StatusCreated, toEntryDTO(entry))
}

// GetEntry handles GET /api/v1/journal-entries/:entry_id
func (h *JournalHandler) GetEntry(c *gin.Context) {
	userID := c.GetString(UserIDKey)
	entryID := c.Param("entry_id")

	if _, err := uuid.Parse(entryID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "entry_id must be a valid UUID",
		})
		return
	}

	entry, err := h.store.GetJournalEntry(c.Request.Context(), userID, entryID)
	if errors.Is(err, domain.ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Journal entry not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get journal entry", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get journal entry",
		})
		return
	}

	c.JSON(http.StatusOK, toEntryDTO(entry))
}

// ListEntries handles GET /api/v1/journal-entries
// Newest first, paginated by an opaque cursor
func (h *JournalHandler) ListEntries(c *gin.Context) {
	userID := c.GetString(UserIDKey)

	var req dto.ListJournalEntriesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeEntryCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	entries, err := h.store.ListJournalEntries(c.Request.Context(), storage.EntryFilter{
		UserID:   userID,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list journal entries", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list journal entries",
		})
		return
	}

	hasMore := len(entries) > req.PageSize
	if hasMore {
		entries = entries[:req.PageSize]
	}

	resp := dto.ListJournalEntriesResponse{
		Entries: make([]dto.JournalEntryDTO, len(entries)),
	}
	for i := range entries {
		resp.Entries[i] = toEntryDTO(&entries[i])
	}

	if hasMore {
		last := entries[len(entries)-1]
		resp.NextCursor = EncodeEntryCursor(&storage.EntryCursor{
			CreatedAt: last.CreatedAt,
			EntryID:   last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// Ingest handles POST /api/v1/ingest
// Records a document and queues its text for chunking and embedding
func (h *JournalHandler) Ingest(c *gin.Context) {
	userID := c.GetString(UserIDKey)

	var req dto.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	doc, err := h.store.CreateDocument(c.Request.Context(), userID, domain.SourceAPIIngest)
	if err != nil {
		h.logger.Error("Failed to create document", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create document",
		})
		return
	}

	if _, err := h.publisher.Publish(c.Request.Context(), pipeline.IngestionQueue, pipeline.IngestionMessage{
		UserID:     userID,
		DocumentID: doc.ID,
		Text:       req.Text,
	}); err != nil {
		h.logger.Error("Failed to queue document for ingestion",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       "Document could not be queued for ingestion",
			"document_id": doc.ID,
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.IngestResponse{
		Message:    "Document received and queued for processing.",
		DocumentID: doc.ID,
	})
}

func toEntryDTO(e *model.JournalEntry) dto.JournalEntryDTO {
	return dto.JournalEntryDTO{
		ID:          e.ID,
		UserID:      e.UserID,
		EntryNumber: e.EntryNumber,
		Title:       deref(e.Title),
		Content:     e.Content,
		Sentiment:   deref(e.Sentiment),
		Keywords:    e.Keywords,
		Summary:     deref(e.Summary),
		ImageURL:    deref(e.ImageURL),
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   e.UpdatedAt.Format(time.RFC3339),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
