package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is one chat and its generation settings.
type Conversation struct {
	ID                  int64      `db:"id" json:"id"`
	ChatID              string     `db:"chat_id" json:"chat_id"`
	Platform            string     `db:"platform" json:"platform"`
	ContactName         string     `db:"contact_name" json:"contact_name"`
	ContactNumber       string     `db:"contact_number" json:"contact_number"`
	IsActive            bool       `db:"is_active" json:"is_active"`
	FirstMessageSent    bool       `db:"first_message_sent" json:"first_message_sent"`
	PendingFirstMessage *string    `db:"pending_first_message" json:"pending_first_message,omitempty"`
	SystemPrompt        *string    `db:"system_prompt" json:"system_prompt,omitempty"`
	ToneLevel           float64    `db:"tone_level" json:"tone_level"`
	FlirtLevel          float64    `db:"flirt_level" json:"flirt_level"`
	Temperature         float64    `db:"temperature" json:"temperature"`
	MaxTokens           int        `db:"max_tokens" json:"max_tokens"`
	Settings            JSONMap    `db:"settings" json:"settings,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
	LastMessageAt       *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
}

// HasPending reports whether an opening message is waiting to be sent.
func (c *Conversation) HasPending() bool {
	return c.PendingFirstMessage != nil && *c.PendingFirstMessage != ""
}

// CustomPrompt returns the conversation's own system prompt, if any.
func (c *Conversation) CustomPrompt() string {
	if c.SystemPrompt == nil {
		return ""
	}
	return *c.SystemPrompt
}

// Message is one persisted turn. Messages are append-only.
type Message struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	Role           string    `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	MessageType    string    `db:"message_type" json:"message_type"`
	MediaPath      *string   `db:"media_path" json:"media_path,omitempty"`
	MediaMetadata  JSONMap   `db:"media_metadata" json:"media_metadata,omitempty"`
	TokenCount     int       `db:"token_count" json:"token_count"`
	ProcessingTime float64   `db:"processing_time" json:"processing_time"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ConversationSettings is a partial settings update. Nil fields are left
// unchanged. An empty SystemPrompt clears the custom prompt.
type ConversationSettings struct {
	SystemPrompt *string
	ToneLevel    *float64
	FlirtLevel   *float64
	Temperature  *float64
	MaxTokens    *int
}

// Empty reports whether the update changes nothing.
func (s ConversationSettings) Empty() bool {
	return s.SystemPrompt == nil && s.ToneLevel == nil && s.FlirtLevel == nil &&
		s.Temperature == nil && s.MaxTokens == nil
}

// BridgeStatus is the persisted copy of the session status surface.
type BridgeStatus struct {
	State         string    `db:"state" json:"state"`
	Authenticated bool      `db:"authenticated" json:"authenticated"`
	LastError     string    `db:"last_error" json:"last_error,omitempty"`
	Challenge     string    `db:"challenge" json:"challenge,omitempty"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// AdminLog records one administrative mutation.
type AdminLog struct {
	ID        int64     `db:"id" json:"id"`
	Action    string    `db:"action" json:"action"`
	ChatID    string    `db:"chat_id" json:"chat_id,omitempty"`
	Details   JSONMap   `db:"details" json:"details,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Stats are global counters.
type Stats struct {
	Conversations       int `db:"conversations" json:"conversations"`
	ActiveConversations int `db:"active_conversations" json:"active_conversations"`
	Messages            int `db:"messages" json:"messages"`
	TotalTokens         int `db:"total_tokens" json:"total_tokens"`
}

// Summary describes one conversation's history.
type Summary struct {
	Conversation      *Conversation `json:"conversation"`
	MessageCount      int           `json:"message_count"`
	UserMessages      int           `json:"user_messages"`
	AssistantMessages int           `json:"assistant_messages"`
	TotalTokens       int           `json:"total_tokens"`
	AvgProcessingTime float64       `json:"avg_processing_time"`
	FirstMessageAt    *time.Time    `json:"first_message_at,omitempty"`
	LastMessageAt     *time.Time    `json:"last_message_at,omitempty"`
}

// JSONMap is a JSON object stored in a TEXT column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	if len(out) == 0 {
		out = nil
	}
	*m = out
	return nil
}

var (
	// ErrStore matches every *StoreError.
	ErrStore = errors.New("store error")

	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("not found")
)

// StoreError wraps a failed store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStore) true for every StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
