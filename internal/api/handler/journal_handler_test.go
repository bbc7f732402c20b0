package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/api/domain"
	"github.com/cuongbtq/journal-pipeline/internal/api/dto"
	"github.com/cuongbtq/journal-pipeline/internal/api/model"
	"github.com/cuongbtq/journal-pipeline/internal/api/storage"
	"github.com/cuongbtq/journal-pipeline/internal/pipeline"
	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser  = "0b8e0f4e-3c55-4bd4-8f0e-3f5d0a6a9c11"
	testEntry = "5d1f3a2b-6c4e-4f8a-9b7d-1e2f3a4b5c6d"
	testDoc   = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d"
)

var errDB = errors.New("connection refused")

type fakeStore struct {
	mu      sync.Mutex
	entries []model.JournalEntry
	filter  storage.EntryFilter
	err     error
}

func (f *fakeStore) CreateJournalEntry(ctx context.Context, userID, title, content string) (*model.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := model.JournalEntry{
		ID:          testEntry,
		UserID:      userID,
		EntryNumber: len(f.entries) + 1,
		Content:     content,
		CreatedAt:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	if title != "" {
		e.Title = &title
	}
	f.entries = append(f.entries, e)
	return &e, nil
}

func (f *fakeStore) GetJournalEntry(ctx context.Context, userID, entryID string) (*model.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.entries {
		if f.entries[i].ID == entryID && f.entries[i].UserID == userID {
			return &f.entries[i], nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (f *fakeStore) ListJournalEntries(ctx context.Context, filter storage.EntryFilter) ([]model.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	n := min(len(f.entries), filter.PageSize+1)
	return f.entries[:n], nil
}

func (f *fakeStore) CreateDocument(ctx context.Context, userID, sourceName string) (*model.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Document{ID: testDoc, UserID: userID, SourceName: sourceName, Status: domain.DocumentStatusQueued}, nil
}

type published struct {
	queue    string
	envelope any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, queue string, envelope any) (*rabbitmq.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, published{queue: queue, envelope: envelope})
	return &rabbitmq.PublishResult{Queue: queue, MessageID: "msg-1", PublishedAt: time.Now()}, nil
}

func newTestRouter(store *fakeStore, pub *fakePublisher) *gin.Engine {
	gin.SetMode(gin.TestMode)

	h := NewJournalHandler(&Dependencies{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:     store,
		Publisher: pub,
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(UserIDKey, testUser)
		c.Next()
	})
	r.POST("/journal-entries", h.CreateEntry)
	r.GET("/journal-entries", h.ListEntries)
	r.GET("/journal-entries/:entry_id", h.GetEntry)
	r.POST("/ingest", h.Ingest)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateEntry(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		storeErr   error
		publishErr error
		wantStatus int
		wantQueued bool
	}{
		{
			name:       "queues the entry for analysis",
			body:       `{"title":"Morning","content":"walked by the lake"}`,
			wantStatus: http.StatusCreated,
			wantQueued: true,
		},
		{
			name:       "missing content",
			body:       `{"title":"Morning"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid json",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store failure",
			body:       `{"content":"walked by the lake"}`,
			storeErr:   errDB,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "publish failure is surfaced",
			body:       `{"content":"walked by the lake"}`,
			publishErr: rabbitmq.ErrBrokerUnavailable,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{err: tt.storeErr}
			pub := &fakePublisher{err: tt.publishErr}
			r := newTestRouter(store, pub)

			w := do(r, http.MethodPost, "/journal-entries", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			if !tt.wantQueued {
				assert.Empty(t, pub.sent)
				return
			}

			require.Len(t, pub.sent, 1)
			assert.Equal(t, pipeline.AnalysisQueue, pub.sent[0].queue)
			assert.Equal(t, pipeline.AnalysisMessage{
				JournalEntryID: testEntry,
				UserID:         testUser,
				Content:        "walked by the lake",
			}, pub.sent[0].envelope)

			var got dto.JournalEntryDTO
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, testEntry, got.ID)
			assert.Equal(t, 1, got.EntryNumber)
			assert.Equal(t, "Morning", got.Title)
			assert.Empty(t, got.ImageURL)
		})
	}
}

func TestCreateEntry_PublishFailureReportsEntry(t *testing.T) {
	r := newTestRouter(&fakeStore{}, &fakePublisher{err: rabbitmq.ErrBrokerUnavailable})

	w := do(r, http.MethodPost, "/journal-entries", `{"content":"hello"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, testEntry, body["journal_entry_id"])
}

func TestGetEntry(t *testing.T) {
	url := "https://cdn.example.com/journal-images/" + testUser + "/" + testEntry + ".png"
	stored := model.JournalEntry{
		ID:          testEntry,
		UserID:      testUser,
		EntryNumber: 4,
		Content:     "walked by the lake",
		Keywords:    []string{"lake", "walk"},
		ImageURL:    &url,
	}

	tests := []struct {
		name       string
		entryID    string
		err        error
		wantStatus int
	}{
		{name: "found", entryID: testEntry, wantStatus: http.StatusOK},
		{name: "not a uuid", entryID: "42", wantStatus: http.StatusBadRequest},
		{name: "unknown entry", entryID: testDoc, wantStatus: http.StatusNotFound},
		{name: "store failure", entryID: testEntry, err: errDB, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{entries: []model.JournalEntry{stored}, err: tt.err}
			r := newTestRouter(store, &fakePublisher{})

			w := do(r, http.MethodGet, "/journal-entries/"+tt.entryID, "")
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusOK {
				var got dto.JournalEntryDTO
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
				assert.Equal(t, url, got.ImageURL)
				assert.Equal(t, []string{"lake", "walk"}, got.Keywords)
			}
		})
	}
}

func TestListEntries(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ids := []string{
		"00000000-0000-4000-8000-000000000003",
		"00000000-0000-4000-8000-000000000002",
		"00000000-0000-4000-8000-000000000001",
	}
	var entries []model.JournalEntry
	for i, id := range ids {
		entries = append(entries, model.JournalEntry{
			ID:        id,
			UserID:    testUser,
			Content:   "entry",
			CreatedAt: base.Add(-time.Duration(i) * time.Hour),
		})
	}

	t.Run("first page with next cursor", func(t *testing.T) {
		store := &fakeStore{entries: entries}
		r := newTestRouter(store, &fakePublisher{})

		w := do(r, http.MethodGet, "/journal-entries?page_size=2", "")
		require.Equal(t, http.StatusOK, w.Code)

		var got dto.ListJournalEntriesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got.Entries, 2)
		require.NotEmpty(t, got.NextCursor)

		cursor, err := DecodeEntryCursor(got.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, ids[1], cursor.EntryID)
		assert.True(t, cursor.CreatedAt.Equal(entries[1].CreatedAt))

		assert.Equal(t, testUser, store.filter.UserID)
		assert.Equal(t, 2, store.filter.PageSize)
	})

	t.Run("last page has no cursor", func(t *testing.T) {
		store := &fakeStore{entries: entries}
		r := newTestRouter(store, &fakePublisher{})

		w := do(r, http.MethodGet, "/journal-entries", "")
		require.Equal(t, http.StatusOK, w.Code)

		var got dto.ListJournalEntriesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Len(t, got.Entries, 3)
		assert.Empty(t, got.NextCursor)
		assert.Equal(t, defaultPageSize, store.filter.PageSize)
	})

	t.Run("page size is capped", func(t *testing.T) {
		store := &fakeStore{}
		r := newTestRouter(store, &fakePublisher{})

		w := do(r, http.MethodGet, "/journal-entries?page_size=1000", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, maxPageSize, store.filter.PageSize)
	})

	t.Run("invalid cursor", func(t *testing.T) {
		r := newTestRouter(&fakeStore{}, &fakePublisher{})

		w := do(r, http.MethodGet, "/journal-entries?cursor=not-base64!", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestIngest(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		storeErr   error
		publishErr error
		wantStatus int
	}{
		{name: "queued", body: `{"text":"a long document"}`, wantStatus: http.StatusAccepted},
		{name: "missing text", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "store failure", body: `{"text":"x"}`, storeErr: errDB, wantStatus: http.StatusInternalServerError},
		{name: "publish failure", body: `{"text":"x"}`, publishErr: rabbitmq.ErrBrokerUnavailable, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{err: tt.publishErr}
			r := newTestRouter(&fakeStore{err: tt.storeErr}, pub)

			w := do(r, http.MethodPost, "/ingest", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus != http.StatusAccepted {
				return
			}
			require.Len(t, pub.sent, 1)
			assert.Equal(t, pipeline.IngestionQueue, pub.sent[0].queue)
			assert.Equal(t, pipeline.IngestionMessage{
				UserID:     testUser,
				DocumentID: testDoc,
				Text:       "a long document",
			}, pub.sent[0].envelope)

			var got dto.IngestResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, testDoc, got.DocumentID)
		})
	}
}
