package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/journal-pipeline/internal/worker/domain"
)

// ImageGenDeps are the collaborators of the image generation stage
type ImageGenDeps struct {
	Generator ImageGenerator
	Objects   ObjectStore
	Entries   EntryStore
	Logger    *slog.Logger
}

// NewImageGenStage consumes image-gen-queue; it is the last stage
func NewImageGenStage(deps *ImageGenDeps) (Stage, error) {
	if deps.Generator == nil || deps.Objects == nil || deps.Entries == nil {
		return Stage{}, errors.New("image stage: generator, objects and entries are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return Stage{
		Name:       StageImageGen,
		InputQueue: ImageGenQueue,
		Handler:    deps.Handle,
	}, nil
}

// ImageKey is the object key of an entry's image
func ImageKey(userID, entryID string) string {
	return fmt.Sprintf("%s/%s.png", userID, entryID)
}

// Handle renders the prompt, uploads the image and records its URL. Any
// failure is returned so the message is dead-lettered instead of dropped.
// Reprocessing overwrites both the object and the URL.
func (d *ImageGenDeps) Handle(ctx context.Context, msg *domain.Message) error {
	var in ImageGenMessage
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
	logger.Info("Processing image generation")

	image, err := d.Generator.Generate(ctx, in.Prompt)
	if err != nil {
		return fmt.Errorf("generate image for %s: %w", in.JournalEntryID, err)
	}

	url, err := d.Objects.Upload(ctx, ImageKey(in.UserID, in.JournalEntryID), image, "image/png")
	if err != nil {
		return fmt.Errorf("upload image for %s: %w", in.JournalEntryID, err)
	}

	if err := d.Entries.UpdateImageURL(ctx, in.JournalEntryID, url); err != nil {
		return fmt.Errorf("record image url for %s: %w", in.JournalEntryID, err)
	}

	logger.Info("Updated journal entry with image", slog.String("image_url", url))
	return nil
}
