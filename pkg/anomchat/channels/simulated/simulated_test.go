package simulated

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("paired driver is live after open", func(t *testing.T) {
		d := New(Config{Paired: true}, nil, testLogger())
		if d.IsLive() {
			t.Fatal("expected driver not live before Open")
		}
		if err := d.Open(ctx); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !d.IsLive() {
			t.Error("expected driver live after Open")
		}
		if d.ChallengeArtifact() != nil {
			t.Error("expected no challenge for a paired driver")
		}
	})

	t.Run("unpaired driver raises a challenge", func(t *testing.T) {
		d := New(Config{}, nil, testLogger())
		if err := d.Open(ctx); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if d.IsLive() {
			t.Error("expected unpaired driver not live")
		}
		first := d.ChallengeArtifact()
		if len(first) == 0 {
			t.Fatal("expected a challenge")
		}

		d.Pair()
		if !d.IsLive() {
			t.Error("expected driver live after Pair")
		}
		if d.ChallengeArtifact() != nil {
			t.Error("expected challenge cleared after Pair")
		}
	})

	t.Run("challenge expires", func(t *testing.T) {
		d := New(Config{ChallengeTimeout: time.Millisecond}, nil, testLogger())
		_ = d.Open(ctx)
		time.Sleep(5 * time.Millisecond)
		if d.ChallengeArtifact() != nil {
			t.Error("expected expired challenge to be dropped")
		}
	})

	t.Run("open failure", func(t *testing.T) {
		d := New(Config{Paired: true}, nil, testLogger())
		boom := errors.New("boom")
		d.FailOpen(boom)
		if err := d.Open(ctx); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
		if d.Opens() != 1 {
			t.Errorf("expected 1 open attempt, got %d", d.Opens())
		}
	})
}

func TestFetchAndSend(t *testing.T) {
	ctx := context.Background()
	d := New(Config{Paired: true}, nil, testLogger())
	_ = d.Open(ctx)

	evt := d.InjectText("5551234@ch", "Matti", "moi")
	if evt.ID == "" || evt.Kind != channels.KindText || evt.Timestamp.IsZero() {
		t.Fatalf("expected filled event, got %+v", evt)
	}
	d.InjectText("5551234@ch", "Matti", "kiitos")

	batch, err := d.FetchUnread(ctx)
	if err != nil {
		t.Fatalf("FetchUnread: %v", err)
	}
	if len(batch) != 2 || batch[0].Text != "moi" || batch[1].Text != "kiitos" {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if batch[0].ID == batch[1].ID {
		t.Error("expected unique event IDs")
	}

	batch, err = d.FetchUnread(ctx)
	if err != nil || len(batch) != 0 {
		t.Errorf("expected drained queue, got %d events, err %v", len(batch), err)
	}

	if err := d.Send(ctx, "5551234@ch", "Hei!"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := d.SentTo("5551234@ch"); len(got) != 1 || got[0] != "Hei!" {
		t.Errorf("SentTo = %v", got)
	}

	var seen []Outbound
	d.OnSend(func(o Outbound) { seen = append(seen, o) })
	_ = d.Send(ctx, "other@ch", "x")
	if len(seen) != 1 || seen[0].ChatID != "other@ch" {
		t.Errorf("OnSend callback got %+v", seen)
	}
}

func TestLiveness(t *testing.T) {
	ctx := context.Background()
	d := New(Config{Paired: true}, nil, testLogger())
	_ = d.Open(ctx)

	d.SetLive(false)
	if _, err := d.FetchUnread(ctx); !errors.Is(err, channels.ErrChannelLost) {
		t.Errorf("expected ErrChannelLost from fetch, got %v", err)
	}
	if err := d.Send(ctx, "a@ch", "x"); !errors.Is(err, channels.ErrChannelLost) {
		t.Errorf("expected ErrChannelLost from send, got %v", err)
	}

	_ = d.Close()
	_ = d.Close()
	if d.Closes() != 2 {
		t.Errorf("expected 2 closes, got %d", d.Closes())
	}

	if err := d.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !d.IsLive() {
		t.Error("expected saved session to resume on reopen")
	}

	d.Unpair()
	if d.IsLive() {
		t.Error("expected unpaired driver offline")
	}
}

func TestDownloadMedia(t *testing.T) {
	ctx := context.Background()
	store := media.NewFileSystemStore(media.StoreConfig{BaseDir: t.TempDir()}, testLogger())
	d := New(Config{Paired: true}, store, testLogger())

	t.Run("no attachment", func(t *testing.T) {
		_, err := d.DownloadMedia(ctx, channels.RawEvent{ID: "1"})
		if !errors.Is(err, channels.ErrNoMedia) {
			t.Errorf("expected ErrNoMedia, got %v", err)
		}
	})

	t.Run("local path", func(t *testing.T) {
		path, err := d.DownloadMedia(ctx, channels.RawEvent{ID: "2", Ref: "/tmp/x.jpg"})
		if err != nil || path != "/tmp/x.jpg" {
			t.Errorf("got %q, %v", path, err)
		}
	})

	t.Run("attachment is stored", func(t *testing.T) {
		path, err := d.DownloadMedia(ctx, channels.RawEvent{
			ID:     "3",
			ChatID: "5551234@ch",
			Kind:   channels.KindImage,
			Ref:    Attachment{Data: []byte("fake-jpeg")},
		})
		if err != nil {
			t.Fatalf("DownloadMedia: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil || string(data) != "fake-jpeg" {
			t.Errorf("stored file %q: %q, %v", path, data, err)
		}
	})
}

func TestSendTyping(t *testing.T) {
	d := New(Config{Paired: true}, nil, testLogger())
	_ = d.SendTyping(context.Background(), "a@ch")
	_ = d.SendTyping(context.Background(), "a@ch")
	if d.TypingCount("a@ch") != 2 {
		t.Errorf("TypingCount = %d", d.TypingCount("a@ch"))
	}
}
