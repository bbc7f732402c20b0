package dto

type CreateJournalEntryRequest struct {
	Title   string `json:"title"`
	Content string `json:"content" binding:"required"`
}

type ListJournalEntriesRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJournalEntriesResponse struct {
	Entries    []JournalEntryDTO `json:"entries"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// JournalEntryDTO carries whatever the pipeline has written so far; analysis
// and image fields stay empty until their stages finish.
type JournalEntryDTO struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	EntryNumber int      `json:"entry_number"`
	Title       string   `json:"title,omitempty"`
	Content     string   `json:"content"`
	Sentiment   string   `json:"sentiment,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

type IngestRequest struct {
	Text string `json:"text" binding:"required"`
}

type IngestResponse struct {
	Message    string `json:"message"`
	DocumentID string `json:"document_id"`
}
