package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/journal-pipeline/internal/inference"
	"github.com/cuongbtq/journal-pipeline/internal/retry"
	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
	"github.com/cuongbtq/journal-pipeline/internal/worker/storage"
)

// AnalysisDeps are the collaborators of the analysis stage. One bundle is
// built per consumer process.
type AnalysisDeps struct {
	Analyzer  Analyzer
	Prompts   PromptGenerator
	Entries   EntryStore
	Publisher Publisher
	Retry     retry.Policy // defaults to retry.AnalysisBackoff
	Logger    *slog.Logger
}

// NewAnalysisStage consumes journal-analysis-queue and feeds image-gen-queue
func NewAnalysisStage(deps *AnalysisDeps) (Stage, error) {
	if deps.Analyzer == nil || deps.Prompts == nil || deps.Entries == nil || deps.Publisher == nil {
		return Stage{}, errors.New("analysis stage: analyzer, prompts, entries and publisher are required")
	}
	if deps.Retry == nil {
		deps.Retry = retry.AnalysisBackoff()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return Stage{
		Name:        StageAnalysis,
		InputQueue:  AnalysisQueue,
		OutputQueue: ImageGenQueue,
		Handler:     deps.Handle,
	}, nil
}

// Handle analyzes one entry, stores the result and requests its image.
// Only the inference call is retried.
func (d *AnalysisDeps) Handle(ctx context.Context, msg *domain.Message) error {
	var in AnalysisMessage
	if err := msg.Decode(&in); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return err
	}

	logger := d.Logger.With(
		slog.String("journal_entry_id", in.JournalEntryID),
		slog.String("message_id", msg.MessageID),
	)
	logger.Info("Received analysis request")

	var analysis *inference.Analysis
	err := d.Retry.Do(ctx, func(ctx context.Context) error {
		a, err := d.Analyzer.Analyze(ctx, in.Content)
		if err != nil {
			logger.Warn("Analysis attempt failed", slog.Any("error", err))
			return err
		}
		analysis = a
		return nil
	})
	if err != nil {
		return fmt.Errorf("analyze entry %s: %w", in.JournalEntryID, err)
	}
	logger.Info("Analysis completed", slog.String("sentiment", analysis.Sentiment))

	if err := d.Entries.UpdateAnalysis(ctx, in.JournalEntryID, toStoredAnalysis(analysis)); err != nil {
		return fmt.Errorf("store analysis for %s: %w", in.JournalEntryID, err)
	}

	prompt, err := d.Prompts.GeneratePrompt(ctx, analysis.Sentiment, analysis.Keywords, in.Content)
	if err != nil {
		logger.Error("Failed to generate image prompt, using fallback", slog.Any("error", err))
		prompt = inference.FallbackPrompt(analysis.Sentiment, analysis.Keywords)
	}

	out := ImageGenMessage{
		Prompt:         prompt,
		UserID:         in.UserID,
		JournalEntryID: in.JournalEntryID,
	}
	if _, err := d.Publisher.PublishWithRetry(ctx, ImageGenQueue, out); err != nil {
		return fmt.Errorf("request image for %s: %w", in.JournalEntryID, err)
	}

	logger.Info("Published request to image generation")
	return nil
}

func toStoredAnalysis(a *inference.Analysis) *storage.Analysis {
	return &storage.Analysis{
		Title:              a.Title,
		Sentiment:          a.Sentiment,
		Keywords:           a.Keywords,
		Summary:            a.Summary,
		EmotionalLandscape: rawString(a.EmotionalLandscape),
		ThemesTopics:       rawString(a.ThemesTopics),
		CognitivePatterns:  rawString(a.CognitivePatterns),
		RelationalDynamics: rawString(a.RelationalDynamics),
		ContextualClues:    rawString(a.ContextualClues),
	}
}

func rawString(b []byte) string {
	if len(b) == 0 || string(b) == "null" {
		return ""
	}
	return string(b)
}
