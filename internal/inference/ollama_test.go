package inference

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newOllamaServer replies to /api/chat with reply and records requests
func newOllamaServer(t *testing.T, reply string, seen *[]chatRequest) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if seen != nil {
				*seen = append(*seen, req)
			}
			_ = json.NewEncoder(w).Encode(chatResponse{
				Message: chatMessage{Role: "assistant", Content: reply},
				Done:    true,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllama_Analyze(t *testing.T) {
	reply := `{
		"title": "Morning by the lake",
		"sentiment": "Positive",
		"keywords": ["lake", "calm", "coffee", "friends", "sunrise", "walk"],
		"summary": "A calm walk by the lake with friends.",
		"emotional_landscape": {"emotional_valence": "Positive"},
		"themes_topics": {"identified_themes": ["nature"]},
		"cognitive_patterns": {},
		"relational_dynamics": {"mentioned_individuals": [{"name": "Ana", "relationship": "friend", "sentiment": "warm"}]},
		"contextual_clues": {"time_bound_indicators": ["this morning"]}
	}`

	var seen []chatRequest
	srv := newOllamaServer(t, reply, &seen)
	o := NewOllama(Config{BaseURL: srv.URL, Model: "llama3"}, discardLogger())

	a, err := o.Analyze(context.Background(), "Walked by the lake with Ana.")
	require.NoError(t, err)

	assert.Equal(t, "Morning by the lake", a.Title)
	assert.Equal(t, "Positive", a.Sentiment)
	assert.Len(t, a.Keywords, 5)
	assert.JSONEq(t, `{"emotional_valence": "Positive"}`, string(a.EmotionalLandscape))
	assert.JSONEq(t, `{"time_bound_indicators": ["this morning"]}`, string(a.ContextualClues))

	require.Len(t, seen, 1)
	assert.Equal(t, "llama3", seen[0].Model)
	assert.False(t, seen[0].Stream)
	assert.NotEmpty(t, seen[0].Format)
	assert.Equal(t, float64(0), seen[0].Options["temperature"])
	assert.Contains(t, seen[0].Messages[0].Content, "Walked by the lake with Ana.")
}

func TestOllama_AnalyzeInvalid(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "not json", reply: "Sure! Here is the analysis"},
		{name: "missing title", reply: `{"sentiment": "Neutral", "summary": "x"}`},
		{name: "missing summary", reply: `{"title": "t", "sentiment": "Neutral"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newOllamaServer(t, tt.reply, nil)
			o := NewOllama(Config{BaseURL: srv.URL, Model: "llama3"}, discardLogger())

			_, err := o.Analyze(context.Background(), "entry")
			assert.ErrorIs(t, err, ErrInvalidAnalysis)
		})
	}
}

func TestOllama_GeneratePrompt(t *testing.T) {
	var seen []chatRequest
	srv := newOllamaServer(t, "  A misty lake at dawn,\nsoft gold light over still water.\n", &seen)
	o := NewOllama(Config{BaseURL: srv.URL, Model: "llama3"}, discardLogger())

	prompt, err := o.GeneratePrompt(context.Background(), "Positive", []string{"lake", "dawn"}, "content")
	require.NoError(t, err)

	assert.Equal(t, "A misty lake at dawn, soft gold light over still water.", prompt)
	require.Len(t, seen, 1)
	assert.Empty(t, seen[0].Format)
	assert.Contains(t, seen[0].Messages[0].Content, "Keywords: lake, dawn")
}

func TestOllama_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := NewOllama(Config{BaseURL: srv.URL, Model: "llama3"}, discardLogger())

	_, err := o.GeneratePrompt(context.Background(), "Negative", nil, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat with llama3")
}

func TestOllama_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		out := embedResponse{}
		for i := range req.Input {
			out.Embeddings = append(out.Embeddings, []float32{float32(i), 0.5})
		}
		if len(req.Input) == 3 {
			out.Embeddings = out.Embeddings[:2]
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	o := NewOllama(Config{BaseURL: srv.URL, Model: "llama3", EmbedModel: "nomic-embed-text"}, discardLogger())

	vecs, err := o.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0.5}, {1, 0.5}}, vecs)

	_, err = o.Embed(context.Background(), []string{"a", "b", "c"})
	assert.ErrorIs(t, err, ErrEmbeddingMismatch)

	vecs, err = o.Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestFallbackPrompt(t *testing.T) {
	assert.Equal(t,
		"A vibrant digital painting representing a Positive mood with themes of lake, dawn.",
		FallbackPrompt("Positive", []string{"lake", "dawn"}),
	)
}

func TestCleanPrompt(t *testing.T) {
	assert.Equal(t, "one two three", CleanPrompt("\none\r\ntwo\nthree  "))
}
