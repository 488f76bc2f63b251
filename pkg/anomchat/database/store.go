package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const conversationColumns = `id, chat_id, platform, contact_name, contact_number, is_active,
	first_message_sent, pending_first_message, system_prompt, tone_level, flirt_level,
	temperature, max_tokens, settings, created_at, updated_at, last_message_at`

const messageColumns = `id, conversation_id, role, content, message_type, media_path,
	media_metadata, token_count, processing_time, created_at`

// Store is the durable store shared by the pipeline, the bridge and the
// admin commands. Every failing call returns a *StoreError.
type Store struct {
	db      *sqlx.DB
	backend BackendType
	logger  *slog.Logger
	now     func() time.Time
}

// Open connects to the configured backend and applies pending migrations.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Backend {
	case BackendPostgreSQL:
		db, err = openPostgreSQL(cfg.PostgreSQL)
	case BackendSQLite, "":
		cfg.Backend = BackendSQLite
		db, err = openSQLite(cfg.SQLite)
	default:
		return nil, storeErr("open", fmt.Errorf("unsupported backend %q", cfg.Backend))
	}
	if err != nil {
		return nil, storeErr("open", err)
	}

	s := NewStore(db, cfg.Backend, logger)
	if err := applyMigrations(db, cfg.Backend, s.logger); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			s.logger.Error("database: close after migration failure", "error", closeErr)
		}
		return nil, storeErr("migrate", err)
	}

	s.logger.Info("database: ready", "backend", cfg.Backend)
	return s, nil
}

// NewStore wraps an already migrated connection.
func NewStore(db *sqlx.DB, backend BackendType, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		db:      db,
		backend: backend,
		logger:  logger.With("component", "store"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Backend returns the backend type.
func (s *Store) Backend() BackendType { return s.backend }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return storeErr("ping", s.db.PingContext(ctx))
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return storeErr("close", s.db.Close())
}

// UpsertConversation returns the conversation for chatID, creating it with
// default settings on first contact. A non-empty contactName refreshes the
// stored display name.
func (s *Store) UpsertConversation(ctx context.Context, chatID, platform, contactName string) (*Conversation, error) {
	if chatID == "" {
		return nil, storeErr("upsert conversation", errors.New("empty chat_id"))
	}
	if platform == "" {
		platform = "whatsapp"
	}
	now := s.now()

	query := s.db.Rebind(`
		INSERT INTO conversations (chat_id, platform, contact_name, contact_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			contact_name = CASE WHEN excluded.contact_name <> '' THEN excluded.contact_name
			                    ELSE conversations.contact_name END,
			updated_at = excluded.updated_at`)

	if _, err := s.db.ExecContext(ctx, query, chatID, platform, contactName, contactNumber(chatID), now, now); err != nil {
		s.logger.Error("database: upsert conversation failed", "chat_id", chatID, "error", err)
		return nil, storeErr("upsert conversation", err)
	}
	conv, err := s.GetConversation(ctx, chatID)
	if err != nil {
		return nil, storeErr("upsert conversation", err)
	}
	return conv, nil
}

// GetConversation loads one conversation. A missing conversation yields an
// error matching ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, chatID string) (*Conversation, error) {
	var conv Conversation
	query := s.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE chat_id = ?`)
	if err := s.db.GetContext(ctx, &conv, query, chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %q: %w", chatID, ErrNotFound)
		}
		return nil, storeErr("get conversation", err)
	}
	return &conv, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (s *Store) ListConversations(ctx context.Context, activeOnly bool) ([]Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if activeOnly {
		query += ` WHERE is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`

	var convs []Conversation
	if err := s.db.SelectContext(ctx, &convs, s.db.Rebind(query), args...); err != nil {
		return nil, storeErr("list conversations", err)
	}
	return convs, nil
}

// UpdateSettings applies a partial settings update.
func (s *Store) UpdateSettings(ctx context.Context, chatID string, settings ConversationSettings) error {
	if settings.Empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	if settings.SystemPrompt != nil {
		sets = append(sets, "system_prompt = ?")
		if *settings.SystemPrompt == "" {
			args = append(args, nil)
		} else {
			args = append(args, *settings.SystemPrompt)
		}
	}
	if settings.ToneLevel != nil {
		sets = append(sets, "tone_level = ?")
		args = append(args, *settings.ToneLevel)
	}
	if settings.FlirtLevel != nil {
		sets = append(sets, "flirt_level = ?")
		args = append(args, *settings.FlirtLevel)
	}
	if settings.Temperature != nil {
		sets = append(sets, "temperature = ?")
		args = append(args, *settings.Temperature)
	}
	if settings.MaxTokens != nil {
		sets = append(sets, "max_tokens = ?")
		args = append(args, *settings.MaxTokens)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), chatID)

	query := `UPDATE conversations SET ` + strings.Join(sets, ", ") + ` WHERE chat_id = ?`
	return s.execOne(ctx, "update settings", chatID, query, args...)
}

// SetPendingFirstMessage stores the opening message for chatID and re-arms
// the gate. An empty text clears the pending slot without re-arming.
func (s *Store) SetPendingFirstMessage(ctx context.Context, chatID, text string) error {
	if text == "" {
		return s.execOne(ctx, "clear pending first message", chatID,
			`UPDATE conversations SET pending_first_message = NULL, updated_at = ? WHERE chat_id = ?`,
			s.now(), chatID)
	}
	return s.execOne(ctx, "set pending first message", chatID,
		`UPDATE conversations SET pending_first_message = ?, first_message_sent = ?, updated_at = ? WHERE chat_id = ?`,
		text, false, s.now(), chatID)
}

// MarkFirstMessageSent opens the gate and clears the pending slot.
func (s *Store) MarkFirstMessageSent(ctx context.Context, chatID string) error {
	return s.execOne(ctx, "mark first message sent", chatID,
		`UPDATE conversations SET first_message_sent = ?, pending_first_message = NULL, updated_at = ? WHERE chat_id = ?`,
		true, s.now(), chatID)
}

// SetActive toggles whether the bridge replies in chatID.
func (s *Store) SetActive(ctx context.Context, chatID string, active bool) error {
	return s.execOne(ctx, "set active", chatID,
		`UPDATE conversations SET is_active = ?, updated_at = ? WHERE chat_id = ?`,
		active, s.now(), chatID)
}

// execOne runs an update that must touch exactly one conversation.
func (s *Store) execOne(ctx context.Context, op, chatID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		s.logger.Error("database: "+op+" failed", "chat_id", chatID, "error", err)
		return storeErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storeErr(op, fmt.Errorf("conversation %q: %w", chatID, ErrNotFound))
	}
	return nil
}

// AppendMessage inserts msg and bumps the conversation's last activity in
// one transaction. msg.ID and msg.CreatedAt are filled in.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return storeErr("append message", errors.New("nil message"))
	}
	if msg.ConversationID == 0 {
		return storeErr("append message", errors.New("message must have a conversation_id"))
	}
	switch msg.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return storeErr("append message", fmt.Errorf("invalid role %q", msg.Role))
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	msg.CreatedAt = s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("append message", fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if tx != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("database: rollback failed", "error", rbErr)
			}
		}
	}()

	insert := tx.Rebind(`
		INSERT INTO messages (conversation_id, role, content, message_type, media_path,
			media_metadata, token_count, processing_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err = tx.QueryRowxContext(ctx, insert,
		msg.ConversationID, msg.Role, msg.Content, msg.MessageType, msg.MediaPath,
		msg.MediaMetadata, msg.TokenCount, msg.ProcessingTime, msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		s.logger.Error("database: insert message failed",
			"conversation_id", msg.ConversationID, "role", msg.Role, "error", err)
		return storeErr("append message", err)
	}

	touch := tx.Rebind(`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touch, msg.CreatedAt, msg.CreatedAt, msg.ConversationID); err != nil {
		return storeErr("append message", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("append message", fmt.Errorf("commit: %w", err))
	}
	tx = nil

	s.logger.Debug("database: message saved",
		"conversation_id", msg.ConversationID, "role", msg.Role, "message_id", msg.ID)
	return nil
}

// RecentMessages returns the last limit non-system messages of a
// conversation in chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind(`
		SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ? AND role <> ?
		ORDER BY id DESC
		LIMIT ?`)

	var msgs []Message
	if err := s.db.SelectContext(ctx, &msgs, query, conversationID, RoleSystem, limit); err != nil {
		return nil, storeErr("recent messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ConversationSummary aggregates the history of chatID.
func (s *Store) ConversationSummary(ctx context.Context, chatID string) (*Summary, error) {
	conv, err := s.GetConversation(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var agg struct {
		Total     int     `db:"total"`
		User      int     `db:"user_count"`
		Assistant int     `db:"assistant_count"`
		Tokens    int     `db:"tokens"`
		AvgTime   float64 `db:"avg_time"`
	}
	query := s.db.Rebind(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN role = ? THEN 1 ELSE 0 END), 0) AS user_count,
			COALESCE(SUM(CASE WHEN role = ? THEN 1 ELSE 0 END), 0) AS assistant_count,
			COALESCE(SUM(token_count), 0) AS tokens,
			COALESCE(AVG(CASE WHEN role = ? AND processing_time > 0 THEN processing_time END), 0) AS avg_time
		FROM messages WHERE conversation_id = ?`)
	if err := s.db.GetContext(ctx, &agg, query, RoleUser, RoleAssistant, RoleAssistant, conv.ID); err != nil {
		return nil, storeErr("conversation summary", err)
	}

	sum := &Summary{
		Conversation:      conv,
		MessageCount:      agg.Total,
		UserMessages:      agg.User,
		AssistantMessages: agg.Assistant,
		TotalTokens:       agg.Tokens,
		AvgProcessingTime: agg.AvgTime,
	}

	edge := func(order string) (*time.Time, error) {
		var at time.Time
		q := s.db.Rebind(`SELECT created_at FROM messages WHERE conversation_id = ? ORDER BY id ` + order + ` LIMIT 1`)
		if err := s.db.GetContext(ctx, &at, q, conv.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		return &at, nil
	}
	if sum.FirstMessageAt, err = edge("ASC"); err != nil {
		return nil, storeErr("conversation summary", err)
	}
	if sum.LastMessageAt, err = edge("DESC"); err != nil {
		return nil, storeErr("conversation summary", err)
	}
	return sum, nil
}

// Stats returns global counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	query := s.db.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM conversations) AS conversations,
			(SELECT COUNT(*) FROM conversations WHERE is_active = ?) AS active_conversations,
			(SELECT COUNT(*) FROM messages) AS messages,
			(SELECT COALESCE(SUM(token_count), 0) FROM messages) AS total_tokens`)
	if err := s.db.GetContext(ctx, &st, query, true); err != nil {
		return nil, storeErr("stats", err)
	}
	return &st, nil
}

// SaveStatus overwrites the persisted bridge status.
func (s *Store) SaveStatus(ctx context.Context, st BridgeStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	query := s.db.Rebind(`
		INSERT INTO bridge_status (id, state, authenticated, last_error, challenge, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			authenticated = excluded.authenticated,
			last_error = excluded.last_error,
			challenge = excluded.challenge,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query, st.State, st.Authenticated, st.LastError, st.Challenge, st.UpdatedAt.UTC())
	return storeErr("save status", err)
}

// LoadStatus returns the persisted bridge status. A store that never saved
// one yields an error matching ErrNotFound.
func (s *Store) LoadStatus(ctx context.Context) (*BridgeStatus, error) {
	var st BridgeStatus
	query := `SELECT state, authenticated, last_error, challenge, updated_at FROM bridge_status WHERE id = 1`
	if err := s.db.GetContext(ctx, &st, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bridge status: %w", ErrNotFound)
		}
		return nil, storeErr("load status", err)
	}
	return &st, nil
}

// LogAdmin appends an admin action to the audit log.
func (s *Store) LogAdmin(ctx context.Context, action, chatID string, details map[string]any) error {
	query := s.db.Rebind(`INSERT INTO admin_logs (action, chat_id, details, created_at) VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, action, chatID, JSONMap(details), s.now())
	return storeErr("log admin", err)
}

// AdminLogs returns the newest admin actions first.
func (s *Store) AdminLogs(ctx context.Context, limit int) ([]AdminLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []AdminLog
	query := s.db.Rebind(`SELECT id, action, chat_id, details, created_at FROM admin_logs ORDER BY id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &logs, query, limit); err != nil {
		return nil, storeErr("admin logs", err)
	}
	return logs, nil
}

// contactNumber extracts the phone number part of a chat ID such as
// "5511999999999@s.whatsapp.net" or "5511999999999:12@s.whatsapp.net".
func contactNumber(chatID string) string {
	user, _, _ := strings.Cut(chatID, "@")
	user, _, _ = strings.Cut(user, ":")
	for _, r := range user {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return user
}
