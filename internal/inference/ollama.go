// Package inference talks to the language model server (Ollama) for journal
// analysis, image prompt writing and text embeddings.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/journal-pipeline/shared/httpjson"
)

var (
	ErrEmptyResponse     = errors.New("model returned an empty response")
	ErrInvalidAnalysis   = errors.New("model returned an invalid analysis")
	ErrEmbeddingMismatch = errors.New("embedding count does not match input count")
)

// Analysis is the structured reading of one journal entry. The extended
// sections are kept as raw JSON documents.
type Analysis struct {
	Title              string          `json:"title"`
	Sentiment          string          `json:"sentiment"`
	Keywords           []string        `json:"keywords"`
	Summary            string          `json:"summary"`
	EmotionalLandscape json.RawMessage `json:"emotional_landscape"`
	ThemesTopics       json.RawMessage `json:"themes_topics"`
	CognitivePatterns  json.RawMessage `json:"cognitive_patterns"`
	RelationalDynamics json.RawMessage `json:"relational_dynamics"`
	ContextualClues    json.RawMessage `json:"contextual_clues"`
}

func (a *Analysis) validate() error {
	switch {
	case a.Title == "":
		return fmt.Errorf("%w: title is empty", ErrInvalidAnalysis)
	case a.Sentiment == "":
		return fmt.Errorf("%w: sentiment is empty", ErrInvalidAnalysis)
	case a.Summary == "":
		return fmt.Errorf("%w: summary is empty", ErrInvalidAnalysis)
	}
	if len(a.Keywords) > 5 {
		a.Keywords = a.Keywords[:5]
	}
	return nil
}

// Config for the Ollama client
type Config struct {
	BaseURL          string
	Model            string
	EmbedModel       string
	Timeout          time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Ollama implements analysis, prompt generation and embedding on one server
type Ollama struct {
	client     *httpjson.Client
	model      string
	embedModel string
	logger     *slog.Logger
}

// NewOllama creates a client; the embed model defaults to the chat model
func NewOllama(cfg Config, logger *slog.Logger) *Ollama {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	embed := cfg.EmbedModel
	if embed == "" {
		embed = cfg.Model
	}

	return &Ollama{
		client: httpjson.NewClient(httpjson.Config{
			Name:             "ollama",
			BaseURL:          cfg.BaseURL,
			Timeout:          cfg.Timeout,
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
		}, logger),
		model:      cfg.Model,
		embedModel: embed,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *Ollama) chat(ctx context.Context, prompt string, format json.RawMessage, options map[string]any) (string, error) {
	req := chatRequest{
		Model:    o.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
		Format:   format,
		Options:  options,
	}

	var resp chatResponse
	if err := o.client.Post(ctx, "/api/chat", req, &resp); err != nil {
		return "", fmt.Errorf("chat with %s: %w", o.model, err)
	}
	if resp.Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Message.Content, nil
}

// Analyze asks the model for a structured analysis of content
func (o *Ollama) Analyze(ctx context.Context, content string) (*Analysis, error) {
	reply, err := o.chat(ctx, buildAnalysisPrompt(content), json.RawMessage(analysisSchema),
		map[string]any{"temperature": 0})
	if err != nil {
		return nil, err
	}

	var a Analysis
	if err := json.Unmarshal([]byte(reply), &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnalysis, err)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}

	o.logger.Debug("Analysis generated",
		slog.String("title", a.Title),
		slog.String("sentiment", a.Sentiment),
	)
	return &a, nil
}

// GeneratePrompt writes a one-line image prompt from the analysis
func (o *Ollama) GeneratePrompt(ctx context.Context, sentiment string, keywords []string, content string) (string, error) {
	reply, err := o.chat(ctx, buildImagePrompt(sentiment, keywords, content), nil, nil)
	if err != nil {
		return "", err
	}

	prompt := CleanPrompt(reply)
	if prompt == "" {
		return "", ErrEmptyResponse
	}
	return prompt, nil
}

// Embed returns one vector per input text, in order
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embedResponse
	if err := o.client.Post(ctx, "/api/embed", embedRequest{Model: o.embedModel, Input: texts}, &resp); err != nil {
		return nil, fmt.Errorf("embed with %s: %w", o.embedModel, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrEmbeddingMismatch, len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}
