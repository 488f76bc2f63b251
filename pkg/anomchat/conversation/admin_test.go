package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/jholhewres/anomchat/pkg/anomchat/database"
)

func TestConfigureConversationValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _ = f.store.UpsertConversation(ctx, "a@ch", "", "")

	bad := func(v float64) *float64 { return &v }
	tokens := 0

	tests := []struct {
		name string
		s    Settings
	}{
		{"tone above one", Settings{ToneLevel: bad(1.5)}},
		{"negative flirt", Settings{FlirtLevel: bad(-0.1)}},
		{"temperature too high", Settings{Temperature: bad(2.5)}},
		{"zero max tokens", Settings{MaxTokens: &tokens}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.admin.ConfigureConversation(ctx, "a@ch", tt.s); !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}

	prompt := "Olet runoilija."
	tone, flirt := 1.0, 0.3
	if err := f.admin.ConfigureConversation(ctx, "a@ch", Settings{SystemPrompt: &prompt, ToneLevel: &tone, FlirtLevel: &flirt}); err != nil {
		t.Fatalf("ConfigureConversation: %v", err)
	}
	conv, _ := f.admin.Conversation(ctx, "a@ch")
	if conv.CustomPrompt() != prompt || conv.ToneLevel != 1.0 || conv.FlirtLevel != 0.3 {
		t.Errorf("settings not applied: %+v", conv)
	}

	if err := f.admin.ConfigureConversation(ctx, "nobody@ch", Settings{ToneLevel: &tone}); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetPendingFirstMessageCreatesConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.admin.SetPendingFirstMessage(ctx, "new@ch", "   ", Settings{}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}

	flirt := 0.6
	if err := f.admin.SetPendingFirstMessage(ctx, "new@ch", "Moi!", Settings{FlirtLevel: &flirt}); err != nil {
		t.Fatalf("SetPendingFirstMessage: %v", err)
	}
	conv, err := f.admin.Conversation(ctx, "new@ch")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if !conv.HasPending() || *conv.PendingFirstMessage != "Moi!" || conv.FlirtLevel != 0.6 || conv.FirstMessageSent {
		t.Errorf("unexpected conversation %+v", conv)
	}

	if err := f.admin.ClearPendingFirstMessage(ctx, "new@ch"); err != nil {
		t.Fatalf("ClearPendingFirstMessage: %v", err)
	}
	conv, _ = f.admin.Conversation(ctx, "new@ch")
	if conv.HasPending() {
		t.Error("pending message not cleared")
	}
}

func TestAdminActionsAreAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_ = f.admin.SetPendingFirstMessage(ctx, "a@ch", "Moi!", Settings{})
	_ = f.admin.SetActive(ctx, "a@ch", false)
	_ = f.admin.SetActive(ctx, "a@ch", true)

	logs, err := f.store.AdminLogs(ctx, 10)
	if err != nil {
		t.Fatalf("AdminLogs: %v", err)
	}
	want := []string{"activate", "deactivate", "pending_first_message"}
	if len(logs) != len(want) {
		t.Fatalf("expected %d audit rows, got %d", len(want), len(logs))
	}
	for i, action := range want {
		if logs[i].Action != action {
			t.Errorf("logs[%d] = %q, want %q", i, logs[i].Action, action)
		}
	}
	if logs[2].Details["message"] != "Moi!" {
		t.Errorf("details = %v", logs[2].Details)
	}

	list, _ := f.admin.ListConversations(ctx, true)
	stats, _ := f.admin.Stats(ctx)
	if len(list) != 1 || stats.Conversations != 1 {
		t.Errorf("list=%d stats=%+v", len(list), stats)
	}
	sum, err := f.admin.Summary(ctx, "a@ch")
	if err != nil || sum.MessageCount != 0 {
		t.Errorf("summary %+v, %v", sum, err)
	}
}
