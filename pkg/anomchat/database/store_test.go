package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "anomchat.db")

	s, err := Open(cfg, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestOpenAppliesMigrations(t *testing.T) {
	s := newTestStore(t)

	version, dirty, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d dirty=%v", version, dirty)
	}

	// Reopening an existing database is a no-op migration.
	path := filepath.Join(t.TempDir(), "again.db")
	cfg := DefaultConfig()
	cfg.SQLite.Path = path
	for i := 0; i < 2; i++ {
		s2, err := Open(cfg, nil)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		s2.Close()
	}
}

func TestUpsertConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("creates with defaults", func(t *testing.T) {
		conv, err := s.UpsertConversation(ctx, "5511999999999@s.whatsapp.net", "", "Maria")
		if err != nil {
			t.Fatalf("UpsertConversation: %v", err)
		}
		if conv.ID == 0 || conv.Platform != "whatsapp" || conv.ContactName != "Maria" {
			t.Errorf("unexpected conversation %+v", conv)
		}
		if conv.ContactNumber != "5511999999999" {
			t.Errorf("contact number = %q", conv.ContactNumber)
		}
		if !conv.IsActive || conv.FirstMessageSent || conv.HasPending() {
			t.Errorf("unexpected flags %+v", conv)
		}
		if conv.ToneLevel != 0.5 || conv.FlirtLevel != 0 || conv.Temperature != 0.7 || conv.MaxTokens != 2000 {
			t.Errorf("unexpected default settings %+v", conv)
		}
	})

	t.Run("is idempotent and refreshes name", func(t *testing.T) {
		first, _ := s.UpsertConversation(ctx, "a@ch", "whatsapp", "A")
		second, err := s.UpsertConversation(ctx, "a@ch", "whatsapp", "")
		if err != nil {
			t.Fatal(err)
		}
		if first.ID != second.ID || second.ContactName != "A" {
			t.Errorf("expected same row with kept name, got %+v", second)
		}
		third, _ := s.UpsertConversation(ctx, "a@ch", "whatsapp", "Anna")
		if third.ContactName != "Anna" {
			t.Errorf("expected refreshed name, got %q", third.ContactName)
		}
	})

	t.Run("rejects empty chat id", func(t *testing.T) {
		_, err := s.UpsertConversation(ctx, "", "", "")
		if !errors.Is(err, ErrStore) {
			t.Errorf("expected StoreError, got %v", err)
		}
	})
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "missing@ch")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPendingFirstMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat := "5551234@ch"
	_, _ = s.UpsertConversation(ctx, chat, "", "")

	if err := s.SetPendingFirstMessage(ctx, chat, "Hei! Miten voin auttaa?"); err != nil {
		t.Fatalf("SetPendingFirstMessage: %v", err)
	}
	conv, _ := s.GetConversation(ctx, chat)
	if !conv.HasPending() || *conv.PendingFirstMessage != "Hei! Miten voin auttaa?" || conv.FirstMessageSent {
		t.Fatalf("pending not stored: %+v", conv)
	}

	if err := s.MarkFirstMessageSent(ctx, chat); err != nil {
		t.Fatalf("MarkFirstMessageSent: %v", err)
	}
	conv, _ = s.GetConversation(ctx, chat)
	if conv.HasPending() || !conv.FirstMessageSent {
		t.Errorf("expected gate open and pending cleared, got %+v", conv)
	}

	// Setting a new pending message re-arms the gate.
	_ = s.SetPendingFirstMessage(ctx, chat, "Moi taas")
	conv, _ = s.GetConversation(ctx, chat)
	if conv.FirstMessageSent || !conv.HasPending() {
		t.Errorf("expected gate re-armed, got %+v", conv)
	}

	if err := s.SetPendingFirstMessage(ctx, "missing@ch", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown chat, got %v", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _ = s.UpsertConversation(ctx, "a@ch", "", "")

	err := s.UpdateSettings(ctx, "a@ch", ConversationSettings{
		SystemPrompt: strPtr("Olet merirosvo."),
		ToneLevel:    floatPtr(0.0),
		Temperature:  floatPtr(1.2),
		MaxTokens:    intPtr(500),
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	conv, _ := s.GetConversation(ctx, "a@ch")
	if conv.CustomPrompt() != "Olet merirosvo." || conv.ToneLevel != 0 || conv.Temperature != 1.2 || conv.MaxTokens != 500 {
		t.Errorf("settings not applied: %+v", conv)
	}
	if conv.FlirtLevel != 0 {
		t.Errorf("untouched field changed: %v", conv.FlirtLevel)
	}

	_ = s.UpdateSettings(ctx, "a@ch", ConversationSettings{SystemPrompt: strPtr("")})
	conv, _ = s.GetConversation(ctx, "a@ch")
	if conv.SystemPrompt != nil {
		t.Errorf("expected prompt cleared, got %q", *conv.SystemPrompt)
	}

	if err := s.UpdateSettings(ctx, "a@ch", ConversationSettings{}); err != nil {
		t.Errorf("empty update should be a no-op, got %v", err)
	}
}

func TestAppendAndRecentMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv, _ := s.UpsertConversation(ctx, "a@ch", "", "")

	for i := 0; i < 60; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if i == 10 {
			role = RoleSystem
		}
		msg := &Message{ConversationID: conv.ID, Role: role, Content: fmt.Sprintf("m%d", i)}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if msg.ID == 0 || msg.MessageType != "text" {
			t.Fatalf("message not filled: %+v", msg)
		}
	}

	msgs, err := s.RecentMessages(ctx, conv.ID, 50)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}
	// m10 is a system message, so the 50-message window reaches back to m9.
	if msgs[0].Content != "m9" {
		t.Errorf("unexpected first message %q", msgs[0].Content)
	}
	if msgs[len(msgs)-1].Content != "m59" {
		t.Errorf("expected newest last, got %q", msgs[len(msgs)-1].Content)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatal("messages not in chronological order")
		}
		if msgs[i].Role == RoleSystem {
			t.Fatal("system message included in context")
		}
	}

	conv, _ = s.GetConversation(ctx, "a@ch")
	if conv.LastMessageAt == nil {
		t.Error("expected last_message_at bumped")
	}
}

func TestAppendMessageValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name string
		msg  *Message
	}{
		{"nil", nil},
		{"no conversation", &Message{Role: RoleUser}},
		{"bad role", &Message{ConversationID: 1, Role: "bot"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.AppendMessage(ctx, tt.msg); !errors.Is(err, ErrStore) {
				t.Errorf("expected StoreError, got %v", err)
			}
		})
	}
}

func TestMediaMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv, _ := s.UpsertConversation(ctx, "a@ch", "", "")

	path := "/data/media/image/x.jpg"
	_ = s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		Role:           RoleUser,
		Content:        "[Käyttäjä lähetti kuvan] kissa",
		MessageType:    "image",
		MediaPath:      &path,
		MediaMetadata:  JSONMap{"description": "kissa"},
	})

	msgs, _ := s.RecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.MessageType != "image" || got.MediaPath == nil || *got.MediaPath != path {
		t.Errorf("media fields lost: %+v", got)
	}
	if got.MediaMetadata["description"] != "kissa" {
		t.Errorf("metadata = %v", got.MediaMetadata)
	}
}

func TestSummaryAndStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, _ := s.UpsertConversation(ctx, "a@ch", "", "")
	_, _ = s.UpsertConversation(ctx, "b@ch", "", "")
	_ = s.SetActive(ctx, "b@ch", false)

	_ = s.AppendMessage(ctx, &Message{ConversationID: a.ID, Role: RoleUser, Content: "moi"})
	_ = s.AppendMessage(ctx, &Message{ConversationID: a.ID, Role: RoleAssistant, Content: "hei", TokenCount: 30, ProcessingTime: 1.0})
	_ = s.AppendMessage(ctx, &Message{ConversationID: a.ID, Role: RoleAssistant, Content: "joo", TokenCount: 10, ProcessingTime: 3.0})

	sum, err := s.ConversationSummary(ctx, "a@ch")
	if err != nil {
		t.Fatalf("ConversationSummary: %v", err)
	}
	if sum.MessageCount != 3 || sum.UserMessages != 1 || sum.AssistantMessages != 2 || sum.TotalTokens != 40 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if sum.AvgProcessingTime != 2.0 {
		t.Errorf("avg processing time = %v", sum.AvgProcessingTime)
	}
	if sum.FirstMessageAt == nil || sum.LastMessageAt == nil || sum.LastMessageAt.Before(*sum.FirstMessageAt) {
		t.Errorf("unexpected edges %v %v", sum.FirstMessageAt, sum.LastMessageAt)
	}

	empty, err := s.ConversationSummary(ctx, "b@ch")
	if err != nil || empty.MessageCount != 0 || empty.FirstMessageAt != nil {
		t.Errorf("unexpected empty summary %+v, %v", empty, err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Conversations != 2 || st.ActiveConversations != 1 || st.Messages != 3 || st.TotalTokens != 40 {
		t.Errorf("unexpected stats %+v", st)
	}

	active, _ := s.ListConversations(ctx, true)
	all, _ := s.ListConversations(ctx, false)
	if len(active) != 1 || active[0].ChatID != "a@ch" || len(all) != 2 {
		t.Errorf("list active=%d all=%d", len(active), len(all))
	}
}

func TestStatusAndAdminLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.LoadStatus(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before first save, got %v", err)
	}

	_ = s.SaveStatus(ctx, BridgeStatus{State: "authenticating", Challenge: "2@qr"})
	_ = s.SaveStatus(ctx, BridgeStatus{State: "connected", Authenticated: true})
	st, err := s.LoadStatus(ctx)
	if err != nil {
		t.Fatalf("LoadStatus: %v", err)
	}
	if st.State != "connected" || !st.Authenticated || st.Challenge != "" || st.UpdatedAt.IsZero() {
		t.Errorf("unexpected status %+v", st)
	}

	_ = s.LogAdmin(ctx, "configure", "a@ch", map[string]any{"tone_level": 0.2})
	_ = s.LogAdmin(ctx, "deactivate", "b@ch", nil)
	logs, err := s.AdminLogs(ctx, 10)
	if err != nil {
		t.Fatalf("AdminLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].Action != "deactivate" || logs[1].Details["tone_level"] != 0.2 {
		t.Errorf("unexpected logs %+v", logs)
	}
}

func TestContactNumber(t *testing.T) {
	tests := map[string]string{
		"5511999999999@s.whatsapp.net":    "5511999999999",
		"5511999999999:12@s.whatsapp.net": "5511999999999",
		"5551234@ch":                      "5551234",
		"abc@lid":                         "",
		"120363@g.us":                     "120363",
	}
	for in, want := range tests {
		if got := contactNumber(in); got != want {
			t.Errorf("contactNumber(%q) = %q, want %q", in, got, want)
		}
	}
}
