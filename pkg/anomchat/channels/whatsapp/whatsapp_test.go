package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestNew(t *testing.T) {
	t.Run("creates instance with defaults", func(t *testing.T) {
		d := New(DefaultConfig(), nil, testLogger())

		if d.Name() != "whatsapp" {
			t.Errorf("expected name 'whatsapp', got %s", d.Name())
		}
		if d.State() != StateDisconnected {
			t.Errorf("expected initial state 'disconnected', got %s", d.State())
		}
		if d.IsLive() {
			t.Error("expected new driver not to be live")
		}
	})

	t.Run("uses default logger if nil", func(t *testing.T) {
		d := New(DefaultConfig(), nil, nil)
		if d.logger == nil {
			t.Error("expected logger to be set")
		}
	})

	t.Run("applies buffer and device defaults", func(t *testing.T) {
		d := New(Config{SessionDir: "./sessions"}, nil, testLogger())
		if d.cfg.UnreadBuffer != 256 {
			t.Errorf("expected default unread buffer 256, got %d", d.cfg.UnreadBuffer)
		}
		if d.cfg.DeviceName != "AnomChat" {
			t.Errorf("expected default device name, got %q", d.cfg.DeviceName)
		}
	})

	t.Run("database path defaults under session dir", func(t *testing.T) {
		d := New(Config{SessionDir: "/tmp/wa"}, nil, testLogger())
		if got := d.dbPath(); got != "/tmp/wa/whatsapp.db" {
			t.Errorf("dbPath() = %q", got)
		}
		d = New(Config{SessionDir: "/tmp/wa", DatabasePath: "/data/app.db"}, nil, testLogger())
		if got := d.dbPath(); got != "/data/app.db" {
			t.Errorf("dbPath() = %q", got)
		}
	})
}

func TestFetchUnreadWhenNotLive(t *testing.T) {
	d := New(DefaultConfig(), nil, testLogger())

	_, err := d.FetchUnread(context.Background())
	if !errors.Is(err, channels.ErrChannelLost) {
		t.Errorf("expected ErrChannelLost, got %v", err)
	}

	if err := d.Send(context.Background(), "5511999999999", "hi"); !errors.Is(err, channels.ErrChannelLost) {
		t.Errorf("expected ErrChannelLost from Send, got %v", err)
	}
}

func TestEmitEventBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnreadBuffer = 2
	d := New(cfg, nil, testLogger())

	for i, id := range []string{"a", "b", "c"} {
		d.emitEvent(channels.RawEvent{ID: id, ChatID: "x@s.whatsapp.net"})
		if i < 2 && d.pendingCount() != i+1 {
			t.Fatalf("pending = %d after %d events", d.pendingCount(), i+1)
		}
	}
	if d.pendingCount() != 2 {
		t.Errorf("expected overflow to be dropped, pending = %d", d.pendingCount())
	}
}

func TestChallengeArtifact(t *testing.T) {
	d := New(DefaultConfig(), nil, testLogger())

	if d.ChallengeArtifact() != nil {
		t.Error("expected no challenge initially")
	}
	d.setQR("2@abc,def")
	if string(d.ChallengeArtifact()) != "2@abc,def" {
		t.Errorf("unexpected artifact %q", d.ChallengeArtifact())
	}

	d.handleEvent(&events.Connected{})
	if d.ChallengeArtifact() != nil {
		t.Error("expected Connected to clear the QR code")
	}
}

func TestHandleConnectionEvents(t *testing.T) {
	d := New(DefaultConfig(), nil, testLogger())

	d.handleEvent(&events.Connected{})
	if !d.connected.Load() || d.State() != StateConnected {
		t.Fatalf("expected connected after Connected event, state=%s", d.State())
	}

	d.handleEvent(&events.KeepAliveTimeout{ErrorCount: 1})
	if !d.connected.Load() {
		t.Error("single keepalive timeout should not drop the connection")
	}

	d.handleEvent(&events.KeepAliveTimeout{ErrorCount: 3})
	if d.connected.Load() {
		t.Error("expected repeated keepalive timeouts to drop the connection")
	}

	d.handleEvent(&events.Connected{})
	d.handleEvent(&events.StreamError{Code: "515"})
	if !d.connected.Load() {
		t.Error("non-fatal stream error should keep the connection")
	}
	d.handleEvent(&events.StreamError{Code: "503"})
	if d.connected.Load() {
		t.Error("stream error 503 should drop the connection")
	}

	d.handleEvent(&events.Connected{})
	d.handleEvent(&events.TemporaryBan{})
	if d.State() != StateBanned {
		t.Errorf("expected banned state, got %s", d.State())
	}
}

func TestHandleMessageEvt(t *testing.T) {
	d := New(DefaultConfig(), nil, testLogger())
	d.cfg.AutoRead = false

	chat := types.NewJID("5511999999999", types.DefaultUserServer)

	t.Run("inbound text is buffered", func(t *testing.T) {
		d.handleMessageEvt(&events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{Chat: chat, Sender: chat},
				ID:            "MSG1",
				PushName:      "Matti",
				Timestamp:     time.Unix(1700000000, 0),
			},
			Message: &waE2E.Message{Conversation: proto.String("moi")},
		})

		d.unreadMu.Lock()
		defer d.unreadMu.Unlock()
		if len(d.unread) != 1 {
			t.Fatalf("expected 1 buffered event, got %d", len(d.unread))
		}
		got := d.unread[0]
		if got.ID != "MSG1" || got.ChatID != chat.String() || got.Text != "moi" || got.SenderName != "Matti" {
			t.Errorf("unexpected event %+v", got)
		}
		d.unread = nil
	})

	t.Run("own messages are ignored", func(t *testing.T) {
		d.handleMessageEvt(&events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{Chat: chat, Sender: chat, IsFromMe: true},
				ID:            "MSG2",
			},
			Message: &waE2E.Message{Conversation: proto.String("hello")},
		})
		if d.pendingCount() != 0 {
			t.Error("expected own message to be skipped")
		}
	})

	t.Run("status broadcasts are ignored", func(t *testing.T) {
		d.handleMessageEvt(&events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{Chat: types.StatusBroadcastJID, Sender: chat},
				ID:            "MSG3",
			},
			Message: &waE2E.Message{Conversation: proto.String("status")},
		})
		if d.pendingCount() != 0 {
			t.Error("expected broadcast to be skipped")
		}
	})

	t.Run("group flag is carried", func(t *testing.T) {
		group := types.NewJID("120363000000000000", types.GroupServer)
		d.handleMessageEvt(&events.Message{
			Info: types.MessageInfo{
				MessageSource: types.MessageSource{Chat: group, Sender: chat, IsGroup: true},
				ID:            "MSG4",
			},
			Message: &waE2E.Message{Conversation: proto.String("group hi")},
		})
		d.unreadMu.Lock()
		defer d.unreadMu.Unlock()
		if len(d.unread) != 1 || !d.unread[0].IsGroup {
			t.Errorf("expected group event to be buffered with IsGroup, got %+v", d.unread)
		}
		d.unread = nil
	})
}

func TestExtractMessageContent(t *testing.T) {
	tests := []struct {
		name     string
		msg      *waE2E.Message
		wantKind string
		wantText string
		wantRef  bool
		wantOK   bool
	}{
		{
			name:     "conversation",
			msg:      &waE2E.Message{Conversation: proto.String("hei")},
			wantKind: channels.KindText, wantText: "hei", wantOK: true,
		},
		{
			name:     "extended text",
			msg:      &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}},
			wantKind: channels.KindExtendedText, wantText: "link", wantOK: true,
		},
		{
			name:     "image with caption",
			msg:      &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("katso"), Mimetype: proto.String("image/jpeg")}},
			wantKind: channels.KindImage, wantText: "katso", wantRef: true, wantOK: true,
		},
		{
			name:     "voice note",
			msg:      &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}},
			wantKind: channels.KindVoice, wantRef: true, wantOK: true,
		},
		{
			name:     "audio file",
			msg:      &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}},
			wantKind: channels.KindAudio, wantRef: true, wantOK: true,
		},
		{
			name:     "video",
			msg:      &waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("clip")}},
			wantKind: channels.KindVideo, wantText: "clip", wantRef: true, wantOK: true,
		},
		{
			name:     "document",
			msg:      &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("cv.pdf")}},
			wantKind: channels.KindDocument, wantRef: true, wantOK: true,
		},
		{
			name:     "sticker",
			msg:      &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}},
			wantKind: channels.KindSticker, wantRef: true, wantOK: true,
		},
		{
			name:   "protocol message is skipped",
			msg:    &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{}},
			wantOK: false,
		},
		{
			name:   "nil message",
			msg:    nil,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw channels.RawEvent
			ok := extractMessageContent(tt.msg, &raw)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if raw.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", raw.Kind, tt.wantKind)
			}
			if raw.Text != tt.wantText {
				t.Errorf("text = %q, want %q", raw.Text, tt.wantText)
			}
			if (raw.Ref != nil) != tt.wantRef {
				t.Errorf("ref set = %v, want %v", raw.Ref != nil, tt.wantRef)
			}
		})
	}
}

func TestDownloadMediaWithoutAttachment(t *testing.T) {
	d := New(DefaultConfig(), nil, testLogger())
	_, err := d.DownloadMedia(context.Background(), channels.RawEvent{ID: "x", Kind: channels.KindText})
	if !errors.Is(err, channels.ErrNoMedia) {
		t.Errorf("expected ErrNoMedia, got %v", err)
	}
}

func TestPerformHealthCheck(t *testing.T) {
	cfg := HealthMonitorConfig{MaxSilentDuration: time.Minute, ForceReconnectAfter: 10 * time.Minute}
	d := New(DefaultConfig(), nil, testLogger())

	d.handleEvent(&events.Connected{})
	now := d.getLastActivity()

	d.performHealthCheck(cfg, now.Add(5*time.Minute))
	if !d.connected.Load() {
		t.Error("silence below the force threshold should not drop the connection")
	}

	d.performHealthCheck(cfg, now.Add(11*time.Minute))
	if d.connected.Load() {
		t.Error("expected silence past the force threshold to drop the connection")
	}
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5511999999999", "5511999999999@s.whatsapp.net", false},
		{"+55 (11) 99999-9999", "5511999999999@s.whatsapp.net", false},
		{"5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net", false},
		{"12345", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			jid, err := parseJID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseJID(%q) error = %v", tt.in, err)
			}
			if !tt.wantErr && jid.String() != tt.want {
				t.Errorf("parseJID(%q) = %s, want %s", tt.in, jid, tt.want)
			}
		})
	}
}
