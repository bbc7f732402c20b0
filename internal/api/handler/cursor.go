package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/api/domain"
	"github.com/cuongbtq/journal-pipeline/internal/api/storage"
	"github.com/google/uuid"
)

func DecodeEntryCursor(cursorStr string) (*storage.EntryCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCursor, err)
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected 2 parts, got %d", domain.ErrInvalidCursor, len(parts))
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", domain.ErrInvalidCursor, err)
	}

	if _, err := uuid.Parse(parts[1]); err != nil {
		return nil, fmt.Errorf("%w: bad entry id: %v", domain.ErrInvalidCursor, err)
	}

	return &storage.EntryCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		EntryID:   parts[1],
	}, nil
}

func EncodeEntryCursor(cursor *storage.EntryCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.EntryID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
