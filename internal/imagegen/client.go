// Package imagegen renders images from text prompts through a Stable Diffusion
// web API (txt2img).
package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/journal-pipeline/shared/httpjson"
	"golang.org/x/time/rate"
)

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrNoImage     = errors.New("image server returned no image")
)

// Config for the Stable Diffusion client
type Config struct {
	BaseURL        string
	Steps          int
	Width          int
	Height         int
	CFGScale       float64
	Sampler        string
	NegativePrompt string
	Timeout        time.Duration

	// RequestsPerMinute paces calls to the server; zero disables pacing
	RequestsPerMinute float64
	Burst             int

	FailureThreshold int
	ResetTimeout     time.Duration
}

// StableDiffusion generates PNG images
type StableDiffusion struct {
	client  *httpjson.Client
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger
}

// NewStableDiffusion creates a client with sensible render defaults
func NewStableDiffusion(cfg Config, logger *slog.Logger) *StableDiffusion {
	if cfg.Steps <= 0 {
		cfg.Steps = 25
	}
	if cfg.Width <= 0 {
		cfg.Width = 512
	}
	if cfg.Height <= 0 {
		cfg.Height = 512
	}
	if cfg.CFGScale <= 0 {
		cfg.CFGScale = 7
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), burst)
	}

	return &StableDiffusion{
		client: httpjson.NewClient(httpjson.Config{
			Name:             "stable-diffusion",
			BaseURL:          cfg.BaseURL,
			Timeout:          cfg.Timeout,
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
		}, logger),
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

type txt2imgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Steps          int     `json:"steps"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	CFGScale       float64 `json:"cfg_scale"`
	SamplerName    string  `json:"sampler_name,omitempty"`
	BatchSize      int     `json:"batch_size"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

// Generate renders prompt and returns the image bytes
func (s *StableDiffusion) Generate(ctx context.Context, prompt string) ([]byte, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req := txt2imgRequest{
		Prompt:         prompt,
		NegativePrompt: s.cfg.NegativePrompt,
		Steps:          s.cfg.Steps,
		Width:          s.cfg.Width,
		Height:         s.cfg.Height,
		CFGScale:       s.cfg.CFGScale,
		SamplerName:    s.cfg.Sampler,
		BatchSize:      1,
	}

	start := time.Now()
	var resp txt2imgResponse
	if err := s.client.Post(ctx, "/sdapi/v1/txt2img", req, &resp); err != nil {
		return nil, fmt.Errorf("txt2img: %w", err)
	}
	if len(resp.Images) == 0 || resp.Images[0] == "" {
		return nil, ErrNoImage
	}

	data, err := decodeImage(resp.Images[0])
	if err != nil {
		return nil, err
	}

	s.logger.Info("Image generated",
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return data, nil
}

// decodeImage accepts plain base64 or a data URI
func decodeImage(encoded string) ([]byte, error) {
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoImage
	}
	return data, nil
}
