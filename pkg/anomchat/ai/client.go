// Package ai is the completion backend of the conversation pipeline. It
// wraps an OpenAI-compatible API for chat completions, image description
// and voice transcription, behind a circuit breaker.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrGeneration matches every *GenerationError.
var ErrGeneration = errors.New("generation failed")

// GenerationError is returned when the backend could not produce a reply.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("ai: generation with %s failed: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrGeneration) true for every GenerationError.
func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// Config configures the completion backend.
type Config struct {
	// APIKey is resolved from the vault, keyring or environment when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint (OpenAI-compatible servers).
	BaseURL string `yaml:"base_url"`

	Model              string `yaml:"model" validate:"required"`
	VisionModel        string `yaml:"vision_model"`
	TranscriptionModel string `yaml:"transcription_model"`

	// Language is the ISO code passed to transcription.
	Language string `yaml:"language"`

	// Timeout bounds one backend call when the caller sets no deadline.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// VisionMaxTokens caps image descriptions.
	VisionMaxTokens int `yaml:"vision_max_tokens" validate:"gte=0"`

	ImageAnalysis      bool `yaml:"image_analysis"`
	AudioTranscription bool `yaml:"audio_transcription"`
	VideoAnalysis      bool `yaml:"video_analysis"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the backend defaults.
func DefaultConfig() Config {
	return Config{
		Model:              "gpt-4o-mini",
		VisionModel:        "gpt-4o-mini",
		TranscriptionModel: openai.Whisper1,
		Language:           "fi",
		Timeout:            60 * time.Second,
		VisionMaxTokens:    500,
		ImageAnalysis:      true,
		AudioTranscription: true,
		VideoAnalysis:      true,
		Breaker:            DefaultBreakerConfig(),
	}
}

// Turn is one history entry sent as context.
type Turn struct {
	Role    string
	Content string
}

// Request is one completion request.
type Request struct {
	SystemPrompt string
	History      []Turn
	Temperature  float64
	MaxTokens    int
}

// Completion is the backend reply.
type Completion struct {
	Text     string
	Tokens   int
	Duration time.Duration
}

// Client talks to an OpenAI-compatible API.
type Client struct {
	cfg     Config
	api     *openai.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client. The API key must already be resolved.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = def.TranscriptionModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.VisionMaxTokens <= 0 {
		cfg.VisionMaxTokens = def.VisionMaxTokens
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	logger = logger.With("component", "ai")
	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg.Name = "ai-" + cfg.Model
	}
	if breakerCfg.Timeout <= 0 {
		breakerCfg.Timeout = cfg.Timeout
	}

	return &Client{
		cfg:     cfg,
		api:     openai.NewClientWithConfig(apiCfg),
		breaker: NewCircuitBreaker(breakerCfg, logger),
		logger:  logger,
	}
}

// Model returns the chat model name.
func (c *Client) Model() string { return c.cfg.Model }

// Generate produces a reply for req. Failures are returned as
// *GenerationError.
func (c *Client) Generate(ctx context.Context, req Request) (Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, turn := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	if len(messages) == 0 {
		return Completion{}, &GenerationError{Model: c.cfg.Model, Err: errors.New("empty request")}
	}

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.cfg.Model,
			Messages:    messages,
			Temperature: float32(req.Temperature),
			MaxTokens:   req.MaxTokens,
		})
		return err
	})
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error("ai: chat completion failed", "model", c.cfg.Model, "duration_ms", elapsed.Milliseconds(), "error", err)
		return Completion{}, &GenerationError{Model: c.cfg.Model, Err: err}
	}
	if len(resp.Choices) == 0 {
		return Completion{}, &GenerationError{Model: c.cfg.Model, Err: errors.New("no response choices returned")}
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Completion{}, &GenerationError{Model: c.cfg.Model, Err: errors.New("empty response")}
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = CountTokens(req.SystemPrompt) + CountTokens(text)
		for _, turn := range req.History {
			tokens += CountTokens(turn.Content)
		}
	}

	c.logger.Info("ai: response generated",
		"model", c.cfg.Model,
		"messages", len(messages),
		"tokens", tokens,
		"duration_ms", elapsed.Milliseconds(),
	)
	return Completion{Text: text, Tokens: tokens, Duration: elapsed}, nil
}
