// Package conversation turns classified inbound events into persisted turns
// and replies. It owns the first-message gate: no automated reply is ever
// sent to a chat before the operator's opening message has gone out.
package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/anomchat/pkg/anomchat/ai"
	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/database"
)

// Store is the persistence the pipeline needs.
type Store interface {
	UpsertConversation(ctx context.Context, chatID, platform, contactName string) (*database.Conversation, error)
	AppendMessage(ctx context.Context, msg *database.Message) error
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]database.Message, error)
	MarkFirstMessageSent(ctx context.Context, chatID string) error
}

// Generator is the AI backend.
type Generator interface {
	Generate(ctx context.Context, req ai.Request) (ai.Completion, error)
	AnalyzeMedia(ctx context.Context, path string, kind channels.MessageType) string
}

// Sender delivers replies.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Config configures the pipeline.
type Config struct {
	// HistoryLimit is how many recent messages are sent as context.
	HistoryLimit int `yaml:"history_limit" validate:"gte=1"`

	// DefaultTemperature and DefaultMaxTokens apply when a conversation
	// carries no usable value.
	DefaultTemperature float64 `yaml:"default_temperature" validate:"gte=0,lte=2"`
	DefaultMaxTokens   int     `yaml:"default_max_tokens" validate:"gte=1"`

	Prompts PromptConfig `yaml:"prompts"`
}

// DefaultConfig returns pipeline defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:       50,
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   2000,
		Prompts:            DefaultPromptConfig(),
	}
}

// Inbound is one classified event handed over by the ingestion loop.
type Inbound struct {
	ChatID     string
	SenderName string
	Platform   string
	Text       string
	Type       channels.MessageType

	// MediaPath is the local copy of the attachment, if any.
	MediaPath string

	// Description is a precomputed media description. When empty and a
	// MediaPath is set, the pipeline asks the generator for one.
	Description string
}

// Action is what the pipeline did with an event.
type Action string

const (
	// ActionReplied means an AI reply was generated.
	ActionReplied Action = "replied"

	// ActionFirstMessage means the pending opening message was dispatched.
	ActionFirstMessage Action = "first_message"

	// ActionAwaitingFirstMessage means the gate is closed and nothing is
	// pending.
	ActionAwaitingFirstMessage Action = "awaiting_first_message"

	// ActionInactive means the conversation is switched off.
	ActionInactive Action = "inactive"
)

// Result describes a handled event.
type Result struct {
	Action    Action
	Reply     string
	Delivered bool
}

// Pipeline processes one event at a time for the ingestion loop.
type Pipeline struct {
	cfg    Config
	store  Store
	gen    Generator
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config, store Store, gen Generator, sender Sender, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.DefaultTemperature <= 0 {
		cfg.DefaultTemperature = def.DefaultTemperature
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = def.DefaultMaxTokens
	}
	if cfg.Prompts.Base == "" && len(cfg.Prompts.ToneLevels) == 0 && len(cfg.Prompts.FlirtLevels) == 0 {
		cfg.Prompts = def.Prompts
	}
	return &Pipeline{
		cfg:    cfg,
		store:  store,
		gen:    gen,
		sender: sender,
		logger: logger.With("component", "pipeline"),
		now:    time.Now,
	}
}

// Handle runs one event through the pipeline. The inbound message is
// persisted before anything else can fail; a returned error means no reply
// was produced. Delivery failures are logged and reported through
// Result.Delivered instead.
func (p *Pipeline) Handle(ctx context.Context, in Inbound) (Result, error) {
	start := p.now()
	if in.Type == "" {
		in.Type = channels.MessageText
	}

	conv, err := p.store.UpsertConversation(ctx, in.ChatID, in.Platform, in.SenderName)
	if err != nil {
		return Result{}, fmt.Errorf("resolve conversation %s: %w", in.ChatID, err)
	}

	inbound := p.inboundMessage(ctx, conv.ID, in)
	if err := p.store.AppendMessage(ctx, inbound); err != nil {
		return Result{}, fmt.Errorf("persist inbound for %s: %w", in.ChatID, err)
	}

	if !conv.IsActive {
		p.logger.Debug("pipeline: conversation inactive, no reply", "chat_id", in.ChatID)
		return Result{Action: ActionInactive}, nil
	}

	if !conv.FirstMessageSent {
		if conv.HasPending() {
			return p.dischargeGate(ctx, conv)
		}
		p.logger.Info("pipeline: awaiting first message, no reply", "chat_id", in.ChatID)
		return Result{Action: ActionAwaitingFirstMessage}, nil
	}

	return p.reply(ctx, conv, start)
}

// inboundMessage builds the user turn, describing any attachment.
func (p *Pipeline) inboundMessage(ctx context.Context, convID int64, in Inbound) *database.Message {
	msg := &database.Message{
		ConversationID: convID,
		Role:           database.RoleUser,
		Content:        in.Text,
		MessageType:    string(in.Type),
	}
	if in.MediaPath == "" {
		return msg
	}

	desc := in.Description
	if desc == "" && p.gen != nil {
		desc = p.gen.AnalyzeMedia(ctx, in.MediaPath, in.Type)
	}
	path := in.MediaPath
	msg.MediaPath = &path
	msg.MediaMetadata = database.JSONMap{
		"path":         in.MediaPath,
		"type":         string(in.Type),
		"processed_at": p.now().UTC().Format(time.RFC3339),
	}
	if desc != "" {
		msg.MediaMetadata["description"] = desc
		msg.Content = fmt.Sprintf("[Käyttäjä lähetti %s] %s\n%s", in.Type, desc, in.Text)
	}
	return msg
}

// dischargeGate sends the pending opening message verbatim. The gate only
// opens once the send went through.
func (p *Pipeline) dischargeGate(ctx context.Context, conv *database.Conversation) (Result, error) {
	text := *conv.PendingFirstMessage
	res := Result{Action: ActionFirstMessage, Reply: text}

	if err := p.sender.Send(ctx, conv.ChatID, text); err != nil {
		p.logger.Warn("pipeline: first message not delivered, keeping it pending",
			"chat_id", conv.ChatID, "error", err)
		return res, nil
	}
	res.Delivered = true

	if err := p.store.MarkFirstMessageSent(ctx, conv.ChatID); err != nil {
		return res, fmt.Errorf("record first message for %s: %w", conv.ChatID, err)
	}
	if err := p.store.AppendMessage(ctx, &database.Message{
		ConversationID: conv.ID,
		Role:           database.RoleAssistant,
		Content:        text,
	}); err != nil {
		return res, fmt.Errorf("persist first message for %s: %w", conv.ChatID, err)
	}

	p.logger.Info("pipeline: first message sent", "chat_id", conv.ChatID)
	return res, nil
}

// reply generates, persists and dispatches an AI turn.
func (p *Pipeline) reply(ctx context.Context, conv *database.Conversation, start time.Time) (Result, error) {
	history, err := p.store.RecentMessages(ctx, conv.ID, p.cfg.HistoryLimit)
	if err != nil {
		return Result{}, fmt.Errorf("load context for %s: %w", conv.ChatID, err)
	}
	turns := make([]ai.Turn, 0, len(history))
	for _, m := range history {
		if m.Role == database.RoleSystem {
			continue
		}
		turns = append(turns, ai.Turn{Role: m.Role, Content: m.Content})
	}

	temperature := conv.Temperature
	if temperature <= 0 {
		temperature = p.cfg.DefaultTemperature
	}
	maxTokens := conv.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.DefaultMaxTokens
	}

	completion, err := p.gen.Generate(ctx, ai.Request{
		SystemPrompt: p.cfg.Prompts.SystemPrompt(conv.ToneLevel, conv.FlirtLevel, conv.CustomPrompt()),
		History:      turns,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate reply for %s: %w", conv.ChatID, err)
	}

	text := strings.TrimSpace(completion.Text)
	elapsed := p.now().Sub(start)
	if err := p.store.AppendMessage(ctx, &database.Message{
		ConversationID: conv.ID,
		Role:           database.RoleAssistant,
		Content:        text,
		TokenCount:     completion.Tokens,
		ProcessingTime: elapsed.Seconds(),
	}); err != nil {
		return Result{}, fmt.Errorf("persist reply for %s: %w", conv.ChatID, err)
	}

	res := Result{Action: ActionReplied, Reply: text}
	if err := p.sender.Send(ctx, conv.ChatID, text); err != nil {
		p.logger.Warn("pipeline: reply not delivered", "chat_id", conv.ChatID, "error", err)
		return res, nil
	}
	res.Delivered = true

	p.logger.Info("pipeline: reply sent",
		"chat_id", conv.ChatID,
		"tokens", completion.Tokens,
		"duration", elapsed.Round(time.Millisecond),
	)
	return res, nil
}
