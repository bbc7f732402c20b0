package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/journal-pipeline/internal/inference"
	"github.com/cuongbtq/journal-pipeline/internal/retry"
	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	entryA = "0b6f5c9e-3d55-4c1e-8f0f-5b8a3c1d2e01"
	entryB = "0b6f5c9e-3d55-4c1e-8f0f-5b8a3c1d2e02"
	docID  = "9d2a4c1b-7e3f-4a5b-8c6d-1e2f3a4b5c6d"
)

type analysisFixture struct {
	deps      *AnalysisDeps
	analyzer  *fakeAnalyzer
	entries   *fakeEntries
	publisher *fakePublisher
	sleeps    *sleepRecorder
}

func newAnalysisFixture(failures int) *analysisFixture {
	sleeps := &sleepRecorder{}
	policy := retry.AnalysisBackoff()
	policy.Sleep = sleeps.sleep

	f := &analysisFixture{
		analyzer:  &fakeAnalyzer{failures: failures},
		entries:   newFakeEntries(),
		publisher: &fakePublisher{},
		sleeps:    sleeps,
	}
	f.deps = &AnalysisDeps{
		Analyzer:  f.analyzer,
		Prompts:   &fakePrompts{},
		Entries:   f.entries,
		Publisher: f.publisher,
		Retry:     policy,
		Logger:    discardLogger(),
	}
	return f
}

func TestAnalysisStage_Handle(t *testing.T) {
	f := newAnalysisFixture(0)
	stage, err := NewAnalysisStage(f.deps)
	require.NoError(t, err)
	assert.Equal(t, AnalysisQueue, stage.InputQueue)
	assert.Equal(t, ImageGenQueue, stage.OutputQueue)

	msg := newMessage(t, AnalysisQueue, AnalysisMessage{JournalEntryID: entryA, UserID: "u-1", Content: "lake dawn"})
	require.NoError(t, stage.Handler(context.Background(), msg))

	stored := f.entries.analyses[entryA]
	require.NotNil(t, stored)
	assert.Equal(t, "About lake", stored.Title)
	assert.Equal(t, []string{"lake", "dawn"}, stored.Keywords)
	assert.Equal(t, `{"emotional_valence":"Positive"}`, stored.EmotionalLandscape)
	assert.Empty(t, stored.ThemesTopics)

	require.Len(t, f.publisher.sent[ImageGenQueue], 1)
	assert.Equal(t, ImageGenMessage{
		Prompt:         "painting of lake dawn",
		UserID:         "u-1",
		JournalEntryID: entryA,
	}, f.publisher.sent[ImageGenQueue][0])
	assert.Empty(t, f.sleeps.waits)
}

func TestAnalysisStage_RetriesInference(t *testing.T) {
	t.Run("recovers on the third attempt", func(t *testing.T) {
		f := newAnalysisFixture(2)

		msg := newMessage(t, AnalysisQueue, AnalysisMessage{JournalEntryID: entryA, UserID: "u-1", Content: "rain"})
		require.NoError(t, f.deps.Handle(context.Background(), msg))

		assert.Equal(t, 3, f.analyzer.Calls())
		assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, f.sleeps.waits)
		assert.Len(t, f.publisher.sent[ImageGenQueue], 1)
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		f := newAnalysisFixture(100)

		msg := newMessage(t, AnalysisQueue, AnalysisMessage{JournalEntryID: entryA, UserID: "u-1", Content: "rain"})
		err := f.deps.Handle(context.Background(), msg)

		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, 3, f.analyzer.Calls())
		require.Len(t, f.sleeps.waits, 2)
		for _, w := range f.sleeps.waits {
			assert.GreaterOrEqual(t, w, 2*time.Second)
		}
		assert.Empty(t, f.entries.analyses)
		assert.Empty(t, f.publisher.sent)
	})
}

func TestAnalysisStage_FallbackPrompt(t *testing.T) {
	f := newAnalysisFixture(0)
	f.deps.Prompts = &fakePrompts{err: errBoom}

	msg := newMessage(t, AnalysisQueue, AnalysisMessage{JournalEntryID: entryA, UserID: "u-1", Content: "lake dawn"})
	require.NoError(t, f.deps.Handle(context.Background(), msg))

	out := f.publisher.sent[ImageGenQueue][0].(ImageGenMessage)
	assert.Equal(t, inference.FallbackPrompt("Positive", []string{"lake", "dawn"}), out.Prompt)
}

func TestAnalysisStage_Failures(t *testing.T) {
	tests := []struct {
		name      string
		body      any
		mutate    func(f *analysisFixture)
		wantErr   error
		wantCalls int
	}{
		{
			name:    "missing entry id",
			body:    AnalysisMessage{UserID: "u-1", Content: "x"},
			wantErr: domain.ErrMissingField,
		},
		{
			name:    "missing content",
			body:    AnalysisMessage{JournalEntryID: entryA, UserID: "u-1"},
			wantErr: domain.ErrMissingField,
		},
		{
			name:    "entry id not a uuid",
			body:    AnalysisMessage{JournalEntryID: "42", UserID: "u-1", Content: "x"},
			wantErr: domain.ErrMalformedEnvelope,
		},
		{
			name:    "wrong field type",
			body:    map[string]any{"journal_entry_id": 42},
			wantErr: domain.ErrMalformedEnvelope,
		},
		{
			name:      "store fails",
			body:      AnalysisMessage{JournalEntryID: entryA, UserID: "u-1", Content: "x"},
			mutate:    func(f *analysisFixture) { f.entries.err = domain.ErrEntryNotFound },
			wantErr:   domain.ErrEntryNotFound,
			wantCalls: 1,
		},
		{
			name:      "publish fails",
			body:      AnalysisMessage{JournalEntryID: entryA, UserID: "u-1", Content: "x"},
			mutate:    func(f *analysisFixture) { f.publisher.err = errBoom },
			wantErr:   errBoom,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAnalysisFixture(0)
			if tt.mutate != nil {
				tt.mutate(f)
			}

			err := f.deps.Handle(context.Background(), newMessage(t, AnalysisQueue, tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, f.analyzer.Calls())
		})
	}
}

func TestImageGenStage_Handle(t *testing.T) {
	gen := &fakeGenerator{}
	objects := newFakeObjects()
	entries := newFakeEntries()

	stage, err := NewImageGenStage(&ImageGenDeps{Generator: gen, Objects: objects, Entries: entries, Logger: discardLogger()})
	require.NoError(t, err)
	assert.Empty(t, stage.OutputQueue)

	msg := newMessage(t, ImageGenQueue, ImageGenMessage{Prompt: "a lake", UserID: "u-1", JournalEntryID: entryA})
	require.NoError(t, stage.Handler(context.Background(), msg))

	key := "u-1/" + entryA + ".png"
	assert.Equal(t, []byte("png:a lake"), objects.Object(key))
	url, ok := entries.URL(entryA)
	require.True(t, ok)
	assert.Equal(t, "http://minio:9000/journal-images/"+key, url)
}

func TestImageGenStage_ReplayIsLastWriteWins(t *testing.T) {
	objects := newFakeObjects()
	entries := newFakeEntries()
	deps := &ImageGenDeps{Generator: &fakeGenerator{}, Objects: objects, Entries: entries, Logger: discardLogger()}

	body := ImageGenMessage{Prompt: "a lake", UserID: "u-1", JournalEntryID: entryA}
	require.NoError(t, deps.Handle(context.Background(), newMessage(t, ImageGenQueue, body)))
	first, _ := entries.URL(entryA)

	require.NoError(t, deps.Handle(context.Background(), newMessage(t, ImageGenQueue, body)))
	second, _ := entries.URL(entryA)

	assert.Equal(t, first, second)
	assert.Len(t, objects.objects, 1)
	assert.Equal(t, 2, objects.uploads)
	assert.Equal(t, 2, entries.urlWrites)
}

func TestImageGenStage_Failures(t *testing.T) {
	tests := []struct {
		name      string
		genErr    error
		uploadErr error
		entryErr  error
	}{
		{name: "generation fails", genErr: errBoom},
		{name: "upload fails", uploadErr: errBoom},
		{name: "record update fails", entryErr: errBoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := newFakeObjects()
			objects.err = tt.uploadErr
			entries := newFakeEntries()
			entries.err = tt.entryErr

			deps := &ImageGenDeps{
				Generator: &fakeGenerator{err: tt.genErr},
				Objects:   objects,
				Entries:   entries,
				Logger:    discardLogger(),
			}

			msg := newMessage(t, ImageGenQueue, ImageGenMessage{Prompt: "p", UserID: "u-1", JournalEntryID: entryA})
			err := deps.Handle(context.Background(), msg)

			assert.ErrorIs(t, err, errBoom)
			_, ok := entries.URL(entryA)
			assert.False(t, ok)
		})
	}
}

func TestIngestionStage_Handle(t *testing.T) {
	t.Run("known document", func(t *testing.T) {
		docs := &fakeDocuments{}
		embedder := &fakeEmbedder{}
		deps := &IngestionDeps{Splitter: wordSplitter{}, Embedder: embedder, Documents: docs, BatchSize: 2, Logger: discardLogger()}

		stage, err := NewIngestionStage(deps)
		require.NoError(t, err)

		msg := newMessage(t, IngestionQueue, IngestionMessage{UserID: "u-1", DocumentID: docID, Text: "one two three four five"})
		require.NoError(t, stage.Handler(context.Background(), msg))

		assert.Equal(t, []string{domain.DocumentStatusProcessing, domain.DocumentStatusComplete}, docs.statuses)
		assert.Zero(t, docs.created)
		assert.Len(t, embedder.calls, 3)
		require.Len(t, docs.chunks, 5)
		assert.Equal(t, 4, docs.chunks[4].Index)
		assert.Equal(t, "five", docs.chunks[4].Content)
		assert.Equal(t, []float32{4}, docs.chunks[4].Embedding)
	})

	t.Run("creates the document when absent", func(t *testing.T) {
		docs := &fakeDocuments{}
		deps := &IngestionDeps{Splitter: wordSplitter{}, Embedder: &fakeEmbedder{}, Documents: docs, Logger: discardLogger()}
		_, err := NewIngestionStage(deps)
		require.NoError(t, err)

		msg := newMessage(t, IngestionQueue, IngestionMessage{UserID: "u-1", Text: "hello"})
		require.NoError(t, deps.Handle(context.Background(), msg))

		assert.Equal(t, 1, docs.created)
		assert.Equal(t, []string{domain.DocumentStatusProcessing, domain.DocumentStatusComplete}, docs.statuses)
	})
}

func TestIngestionStage_Failures(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		embedErr   error
		upsertErr  error
		wantErr    error
		wantStatus []string
	}{
		{
			name:       "embedding fails",
			text:       "one two",
			embedErr:   errBoom,
			wantErr:    errBoom,
			wantStatus: []string{domain.DocumentStatusProcessing, domain.DocumentStatusFailed},
		},
		{
			name:       "storing chunks fails",
			text:       "one two",
			upsertErr:  errBoom,
			wantErr:    errBoom,
			wantStatus: []string{domain.DocumentStatusProcessing, domain.DocumentStatusFailed},
		},
		{
			name:    "blank text",
			text:    "   ",
			wantErr: domain.ErrMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := &fakeDocuments{err: tt.upsertErr}
			deps := &IngestionDeps{
				Splitter:  wordSplitter{},
				Embedder:  &fakeEmbedder{err: tt.embedErr},
				Documents: docs,
				BatchSize: 8,
				Logger:    discardLogger(),
			}

			msg := newMessage(t, IngestionQueue, IngestionMessage{UserID: "u-1", DocumentID: docID, Text: tt.text})
			err := deps.Handle(context.Background(), msg)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantStatus, docs.statuses)
		})
	}
}

func TestStageConstructorsRequireDeps(t *testing.T) {
	_, err := NewAnalysisStage(&AnalysisDeps{})
	assert.Error(t, err)
	_, err = NewImageGenStage(&ImageGenDeps{})
	assert.Error(t, err)
	_, err = NewIngestionStage(&IngestionDeps{})
	assert.Error(t, err)
}

func TestInputQueueFor(t *testing.T) {
	for _, name := range StageNames {
		q, err := InputQueueFor(name)
		require.NoError(t, err)
		assert.Contains(t, Queues, q)
	}

	_, err := InputQueueFor("transcode")
	assert.Error(t, err)
}

func TestImageKey(t *testing.T) {
	assert.Equal(t, "u-1/"+entryA+".png", ImageKey("u-1", entryA))
}
