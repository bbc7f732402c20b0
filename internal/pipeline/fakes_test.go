package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/inference"
	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/cuongbtq/journal-pipeline/internal/worker/storage"
	"github.com/cuongbtq/journal-pipeline/shared/rabbitmq"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMessage(t *testing.T, queue string, v any) *domain.Message {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	msg := domain.NewMessage(queue, 1, body, nil)
	msg.MessageID = "m-1"
	return msg
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

// fakeAnalyzer fails the first `failures` calls, then derives an analysis
// from the content so results can be traced back to their entry
type fakeAnalyzer struct {
	mu       sync.Mutex
	failures int
	poison   string // content that always fails
	calls    int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, content string) (*inference.Analysis, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures || (f.poison != "" && content == f.poison)
	f.mu.Unlock()

	if fail {
		return nil, errBoom
	}
	words := strings.Fields(content)
	return &inference.Analysis{
		Title:              "About " + words[0],
		Sentiment:          "Positive",
		Keywords:           words,
		Summary:            content,
		EmotionalLandscape: json.RawMessage(`{"emotional_valence":"Positive"}`),
	}, nil
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePrompts struct {
	err error
}

func (f *fakePrompts) GeneratePrompt(ctx context.Context, sentiment string, keywords []string, content string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "painting of " + content, nil
}

type fakeEntries struct {
	mu        sync.Mutex
	analyses  map[string]*storage.Analysis
	urls      map[string]string
	urlWrites int
	err       error
}

func newFakeEntries() *fakeEntries {
	return &fakeEntries{
		analyses: make(map[string]*storage.Analysis),
		urls:     make(map[string]string),
	}
}

func (f *fakeEntries) UpdateAnalysis(ctx context.Context, entryID string, a *storage.Analysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.analyses[entryID] = a
	return nil
}

func (f *fakeEntries) UpdateImageURL(ctx context.Context, entryID, imageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.urls[entryID] = imageURL
	f.urlWrites++
	return nil
}

func (f *fakeEntries) URL(entryID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.urls[entryID]
	return u, ok
}

type fakePublisher struct {
	mu   sync.Mutex
	sent map[string][]any
	err  error
}

func (f *fakePublisher) PublishWithRetry(ctx context.Context, queue string, envelope any) (*rabbitmq.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.sent == nil {
		f.sent = make(map[string][]any)
	}
	f.sent[queue] = append(f.sent[queue], envelope)
	return &rabbitmq.PublishResult{Queue: queue, MessageID: "out-1", PublishedAt: time.Now()}, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, prompt)
	return []byte("png:" + prompt), nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	err     error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.objects[key] = data
	f.uploads++
	return "http://minio:9000/journal-images/" + key, nil
}

func (f *fakeObjects) Object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = []float32{float32(len(s))}
	}
	return out, nil
}

type fakeDocuments struct {
	mu       sync.Mutex
	statuses []string
	chunks   []storage.Chunk
	created  int
	err      error
}

func (f *fakeDocuments) CreateDocument(ctx context.Context, userID, sourceName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.statuses = append(f.statuses, domain.DocumentStatusProcessing)
	return "6f1c1b7e-8a7e-4d53-9c43-2a4f9f0d1a01", nil
}

func (f *fakeDocuments) SetDocumentStatus(ctx context.Context, documentID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDocuments) UpsertChunks(ctx context.Context, userID, documentID string, chunks []storage.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.chunks = chunks
	return nil
}

// wordSplitter yields one chunk per word
type wordSplitter struct{}

func (wordSplitter) Split(text string) []string {
	return strings.Fields(text)
}
