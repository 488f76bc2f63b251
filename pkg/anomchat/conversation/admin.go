package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/anomchat/pkg/anomchat/database"
)

// ErrInvalidSettings is returned for out-of-range settings.
var ErrInvalidSettings = errors.New("invalid conversation settings")

// ErrEmptyMessage is returned when an opening message has no text.
var ErrEmptyMessage = errors.New("first message is empty")

// Settings is an operator's settings update. Nil fields stay unchanged and
// an empty SystemPrompt clears the custom prompt.
type Settings struct {
	SystemPrompt *string  `json:"system_prompt,omitempty"`
	ToneLevel    *float64 `json:"tone_level,omitempty" validate:"omitempty,gte=0,lte=1"`
	FlirtLevel   *float64 `json:"flirt_level,omitempty" validate:"omitempty,gte=0,lte=1"`
	Temperature  *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    *int     `json:"max_tokens,omitempty" validate:"omitempty,gte=1,lte=128000"`
}

func (s Settings) toStore() database.ConversationSettings {
	return database.ConversationSettings{
		SystemPrompt: s.SystemPrompt,
		ToneLevel:    s.ToneLevel,
		FlirtLevel:   s.FlirtLevel,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	}
}

func (s Settings) details() map[string]any {
	d := map[string]any{}
	if s.SystemPrompt != nil {
		d["system_prompt"] = *s.SystemPrompt
	}
	if s.ToneLevel != nil {
		d["tone_level"] = *s.ToneLevel
	}
	if s.FlirtLevel != nil {
		d["flirt_level"] = *s.FlirtLevel
	}
	if s.Temperature != nil {
		d["temperature"] = *s.Temperature
	}
	if s.MaxTokens != nil {
		d["max_tokens"] = *s.MaxTokens
	}
	return d
}

// AdminStore is the persistence used by operator actions.
type AdminStore interface {
	UpsertConversation(ctx context.Context, chatID, platform, contactName string) (*database.Conversation, error)
	GetConversation(ctx context.Context, chatID string) (*database.Conversation, error)
	ListConversations(ctx context.Context, activeOnly bool) ([]database.Conversation, error)
	UpdateSettings(ctx context.Context, chatID string, settings database.ConversationSettings) error
	SetPendingFirstMessage(ctx context.Context, chatID, text string) error
	SetActive(ctx context.Context, chatID string, active bool) error
	ConversationSummary(ctx context.Context, chatID string) (*database.Summary, error)
	Stats(ctx context.Context) (*database.Stats, error)
	LogAdmin(ctx context.Context, action, chatID string, details map[string]any) error
}

// Admin holds the operator entry points. They are the only way settings
// change from outside the pipeline. Every mutation is audit-logged.
type Admin struct {
	store    AdminStore
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAdmin creates the admin service.
func NewAdmin(store AdminStore, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Admin{
		store:    store,
		validate: validator.New(),
		logger:   logger.With("component", "admin"),
	}
}

func (a *Admin) check(s Settings) error {
	if err := a.validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s must satisfy %s=%s", ErrInvalidSettings, fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// ConfigureConversation updates the settings of an existing conversation.
func (a *Admin) ConfigureConversation(ctx context.Context, chatID string, s Settings) error {
	if err := a.check(s); err != nil {
		return err
	}
	if err := a.store.UpdateSettings(ctx, chatID, s.toStore()); err != nil {
		return fmt.Errorf("configure %s: %w", chatID, err)
	}
	a.audit(ctx, "configure", chatID, s.details())
	a.logger.Info("admin: conversation configured", "chat_id", chatID)
	return nil
}

// SetPendingFirstMessage stores the opening message for chatID, creating
// the conversation when the chat has not written yet. The settings are
// applied to the conversation and the gate is re-armed.
func (a *Admin) SetPendingFirstMessage(ctx context.Context, chatID, text string, s Settings) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if err := a.check(s); err != nil {
		return err
	}
	if _, err := a.store.UpsertConversation(ctx, chatID, "", ""); err != nil {
		return fmt.Errorf("pending message for %s: %w", chatID, err)
	}
	if err := a.store.UpdateSettings(ctx, chatID, s.toStore()); err != nil {
		return fmt.Errorf("pending message for %s: %w", chatID, err)
	}
	if err := a.store.SetPendingFirstMessage(ctx, chatID, text); err != nil {
		return fmt.Errorf("pending message for %s: %w", chatID, err)
	}

	details := s.details()
	details["message"] = text
	a.audit(ctx, "pending_first_message", chatID, details)
	a.logger.Info("admin: first message pending", "chat_id", chatID)
	return nil
}

// ClearPendingFirstMessage drops the pending opening message.
func (a *Admin) ClearPendingFirstMessage(ctx context.Context, chatID string) error {
	if err := a.store.SetPendingFirstMessage(ctx, chatID, ""); err != nil {
		return fmt.Errorf("clear pending message for %s: %w", chatID, err)
	}
	a.audit(ctx, "clear_pending_first_message", chatID, nil)
	return nil
}

// SetActive switches replies in chatID on or off.
func (a *Admin) SetActive(ctx context.Context, chatID string, active bool) error {
	if err := a.store.SetActive(ctx, chatID, active); err != nil {
		return fmt.Errorf("set active for %s: %w", chatID, err)
	}
	action := "deactivate"
	if active {
		action = "activate"
	}
	a.audit(ctx, action, chatID, nil)
	a.logger.Info("admin: conversation "+action+"d", "chat_id", chatID)
	return nil
}

// Conversation returns one conversation.
func (a *Admin) Conversation(ctx context.Context, chatID string) (*database.Conversation, error) {
	return a.store.GetConversation(ctx, chatID)
}

// Summary describes one conversation's history.
func (a *Admin) Summary(ctx context.Context, chatID string) (*database.Summary, error) {
	return a.store.ConversationSummary(ctx, chatID)
}

// ListConversations lists conversations, most recently active first.
func (a *Admin) ListConversations(ctx context.Context, activeOnly bool) ([]database.Conversation, error) {
	return a.store.ListConversations(ctx, activeOnly)
}

// Stats returns global counters.
func (a *Admin) Stats(ctx context.Context) (*database.Stats, error) {
	return a.store.Stats(ctx)
}

// audit records an admin action. A failed write is logged, the action
// itself already succeeded.
func (a *Admin) audit(ctx context.Context, action, chatID string, details map[string]any) {
	if err := a.store.LogAdmin(ctx, action, chatID, details); err != nil {
		a.logger.Warn("admin: audit log write failed", "action", action, "chat_id", chatID, "error", err)
	}
}
