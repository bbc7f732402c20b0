package domain

import (
	"errors"
)

// DocumentStatusQueued marks a document accepted by the API and not yet
// picked up by the ingestion stage
const DocumentStatusQueued = "queued"

const SourceAPIIngest = "api_ingest"

var (
	ErrEntryNotFound = errors.New("journal entry not found")
	ErrInvalidCursor = errors.New("invalid cursor")
)
