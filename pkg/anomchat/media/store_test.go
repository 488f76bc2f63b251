package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
)

func TestFileSystemStore_Save(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "media")
	store := NewFileSystemStore(StoreConfig{BaseDir: baseDir, MaxFileSize: 1024}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     SaveRequest
		wantExt string
		wantErr bool
	}{
		{
			name:    "image without filename gets kind extension",
			req:     SaveRequest{Data: []byte("img"), Kind: channels.MessageImage, ChatID: "5551234@ch"},
			wantExt: ".jpg",
		},
		{
			name:    "voice note by mime",
			req:     SaveRequest{Data: []byte("ogg"), MimeType: "audio/ogg; codecs=opus", Kind: channels.MessageAudio},
			wantExt: ".ogg",
		},
		{
			name:    "video fallback",
			req:     SaveRequest{Data: []byte("vid"), Kind: channels.MessageVideo},
			wantExt: ".mp4",
		},
		{
			name:    "document keeps its extension",
			req:     SaveRequest{Data: []byte("doc"), Filename: "../../report.docx", Kind: channels.MessageDocument},
			wantExt: ".docx",
		},
		{
			name:    "empty data should fail",
			req:     SaveRequest{Kind: channels.MessageImage},
			wantErr: true,
		},
		{
			name:    "too large should fail",
			req:     SaveRequest{Data: make([]byte, 2048), Kind: channels.MessageImage},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := store.Save(ctx, tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Save() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if filepath.Ext(stored.Path) != tt.wantExt {
				t.Errorf("path %q, want extension %s", stored.Path, tt.wantExt)
			}
			wantDir := filepath.Join(baseDir, string(tt.req.Kind))
			if filepath.Dir(stored.Path) != wantDir {
				t.Errorf("stored in %q, want %q", filepath.Dir(stored.Path), wantDir)
			}
			if strings.Contains(stored.Filename, "..") {
				t.Errorf("filename not sanitized: %q", stored.Filename)
			}
			data, err := os.ReadFile(stored.Path)
			if err != nil {
				t.Fatalf("reading stored file: %v", err)
			}
			if string(data) != string(tt.req.Data) {
				t.Errorf("stored data mismatch")
			}
		})
	}
}

func TestFileSystemStore_GetAndDelete(t *testing.T) {
	store := NewFileSystemStore(StoreConfig{BaseDir: t.TempDir()}, nil)
	ctx := context.Background()

	stored, err := store.Save(ctx, SaveRequest{Data: []byte("x"), Kind: channels.MessageImage})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Fresh store reads metadata from disk instead of the cache.
	reopened := NewFileSystemStore(StoreConfig{BaseDir: store.config.BaseDir}, nil)
	got, err := reopened.Get(stored.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Path != stored.Path {
		t.Errorf("Get path = %q, want %q", got.Path, stored.Path)
	}

	if _, err := store.Get("not-a-uuid"); err == nil {
		t.Error("expected error for invalid id")
	}

	if err := store.Delete(ctx, stored.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(stored.Path); !os.IsNotExist(err) {
		t.Errorf("data file still present after Delete")
	}
	if _, err := store.Get(stored.ID); err == nil {
		t.Error("Get should fail after Delete")
	}
}

func TestFileSystemStore_List(t *testing.T) {
	store := NewFileSystemStore(StoreConfig{BaseDir: t.TempDir()}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Save(ctx, SaveRequest{Data: []byte("a"), Kind: channels.MessageImage, ChatID: "a@ch"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Save(ctx, SaveRequest{Data: []byte("b"), Kind: channels.MessageAudio, ChatID: "b@ch"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.List(ctx, ListFilter{ChatID: "a@ch"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("List(chat a) = %d items, want 3", len(got))
	}

	got, _ = store.List(ctx, ListFilter{Kind: channels.MessageAudio})
	if len(got) != 1 {
		t.Errorf("List(audio) = %d items, want 1", len(got))
	}

	got, _ = store.List(ctx, ListFilter{Limit: 2})
	if len(got) != 2 {
		t.Errorf("List(limit 2) = %d items, want 2", len(got))
	}
}

func TestFileSystemStore_DeleteExpired(t *testing.T) {
	store := NewFileSystemStore(StoreConfig{BaseDir: t.TempDir(), Retention: time.Hour}, nil)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	old, err := store.Save(ctx, SaveRequest{Data: []byte("old"), Kind: channels.MessageImage})
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(50 * time.Minute)
	fresh, err := store.Save(ctx, SaveRequest{Data: []byte("fresh"), Kind: channels.MessageImage})
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(20 * time.Minute)
	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired removed %d, want 1", n)
	}
	if _, err := store.Get(old.ID); err == nil {
		t.Error("expired media still present")
	}
	if _, err := store.Get(fresh.ID); err != nil {
		t.Errorf("fresh media removed: %v", err)
	}
}
