// Package whatsapp implements the live session driver for anomchat using
// whatsmeow, a native Go WhatsApp Web client.
//
// Features:
//   - QR code pairing with persistent device session (SQLite)
//   - Inbound text, image, audio, video and document messages
//   - Buffered unread queue drained by the ingestion loop
//   - Media download into the local media store
//   - Typing indicators, read receipts and keepalive presence
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/media"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store.
)

// Config holds WhatsApp driver configuration.
type Config struct {
	// SessionDir is the directory for the device store. Ignored if
	// DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite file holding the whatsmeow device tables.
	// Defaults to {SessionDir}/whatsapp.db.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// AutoRead marks incoming messages as read.
	AutoRead bool `yaml:"auto_read"`

	// UnreadBuffer caps events held between two FetchUnread calls.
	UnreadBuffer int `yaml:"unread_buffer" validate:"gte=0"`

	// HealthMonitor configures proactive connection health monitoring.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:    "./data/whatsapp",
		DeviceName:    "AnomChat",
		AutoRead:      true,
		UnreadBuffer:  256,
		HealthMonitor: DefaultHealthMonitorConfig(),
	}
}

// MediaSaver persists downloaded attachments.
type MediaSaver interface {
	Save(ctx context.Context, req media.SaveRequest) (*media.StoredMedia, error)
}

// Driver implements channels.SessionDriver and channels.Typer on top of a
// whatsmeow client.
type Driver struct {
	cfg    Config
	media  MediaSaver
	logger *slog.Logger

	container *sqlstore.Container
	client    *whatsmeow.Client

	// connected is true between the Connected event and any loss signal.
	connected atomic.Bool

	// state tracks the detailed connection state.
	state atomic.Value // ConnectionState

	// lastActivity is used by the health monitor.
	lastActivity atomic.Value // time.Time

	errorCount atomic.Int64

	qrMu   sync.Mutex
	lastQR string

	unreadMu sync.Mutex
	unread   []channels.RawEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
}

var (
	_ channels.SessionDriver = (*Driver)(nil)
	_ channels.Typer         = (*Driver)(nil)
)

// New creates a WhatsApp driver. Media downloads are written to store.
func New(cfg Config, store MediaSaver, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UnreadBuffer <= 0 {
		cfg.UnreadBuffer = 256
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "AnomChat"
	}

	d := &Driver{
		cfg:    cfg,
		media:  store,
		logger: logger.With("component", "whatsapp"),
	}
	d.setState(StateDisconnected)
	return d
}

// Name returns "whatsapp".
func (d *Driver) Name() string { return "whatsapp" }

func (d *Driver) getState() ConnectionState {
	if v := d.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (d *Driver) setState(state ConnectionState) {
	d.state.Store(state)
}

// State returns the current transport state.
func (d *Driver) State() ConnectionState {
	return d.getState()
}

func (d *Driver) clientJID() string {
	if d.client != nil && d.client.Store.ID != nil {
		return d.client.Store.ID.String()
	}
	return ""
}

func (d *Driver) dbPath() string {
	if d.cfg.DatabasePath != "" {
		return d.cfg.DatabasePath
	}
	return filepath.Join(d.cfg.SessionDir, "whatsapp.db")
}

// Open connects to WhatsApp Web. With a saved device the driver becomes
// live once the Connected event arrives; otherwise a QR login runs in the
// background and ChallengeArtifact exposes the current code.
func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.setState(StateConnecting)
	d.logger.Info("whatsapp: initializing connection...")

	if d.container == nil {
		path := d.dbPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			d.setState(StateDisconnected)
			return fmt.Errorf("creating session directory: %w", err)
		}
		container, err := sqlstore.New(d.ctx, "sqlite3",
			fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", path),
			waLog.Noop)
		if err != nil {
			d.setState(StateDisconnected)
			return fmt.Errorf("creating session store: %w", err)
		}
		d.container = container
	}

	device, err := d.getDevice(d.ctx)
	if err != nil {
		d.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(d.cfg.DeviceName, [3]uint32{1, 0, 0})

	d.client = whatsmeow.NewClient(device, waLog.Noop)
	d.client.AddEventHandler(d.handleEvent)
	d.client.EnableAutoReconnect = true

	if d.client.Store.ID == nil {
		d.setState(StateWaitingQR)
		d.logger.Info("whatsapp: no existing session, QR code required")
		go func(ctx context.Context) {
			if err := d.loginWithQR(ctx); err != nil {
				d.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}(d.ctx)
		return nil
	}

	if err := d.client.Connect(); err != nil {
		d.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	d.logger.Info("whatsapp: connecting with existing session", "jid", d.clientJID())

	d.StartHealthMonitor(d.ctx, d.cfg.HealthMonitor)
	return nil
}

// Close disconnects the client. The device store stays open so a later
// Open can resume the session.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connected.Store(false)
	d.setState(StateDisconnected)
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.client != nil {
		d.client.Disconnect()
	}
	d.setQR("")

	d.logger.Info("whatsapp: disconnected")
	return nil
}

// IsLive reports whether the client is paired and its websocket is up.
func (d *Driver) IsLive() bool {
	if !d.connected.Load() || d.client == nil {
		return false
	}
	return d.client.IsConnected() && d.client.IsLoggedIn()
}

// FetchUnread drains the events buffered since the previous call.
func (d *Driver) FetchUnread(ctx context.Context) ([]channels.RawEvent, error) {
	if !d.IsLive() {
		return nil, channels.ErrChannelLost
	}

	d.unreadMu.Lock()
	defer d.unreadMu.Unlock()
	if len(d.unread) == 0 {
		return nil, nil
	}
	batch := d.unread
	d.unread = nil
	return batch, nil
}

// Send delivers a plain text message.
func (d *Driver) Send(ctx context.Context, chatID, text string) error {
	if !d.IsLive() {
		return channels.ErrChannelLost
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return fmt.Errorf("%w %q: %v", channels.ErrInvalidRecipient, chatID, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := d.client.SendMessage(ctx, jid, msg); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	d.UpdateLastActivity()
	return nil
}

// SendTyping shows a "typing..." indicator in chatID.
func (d *Driver) SendTyping(ctx context.Context, chatID string) error {
	if !d.IsLive() {
		return nil
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	return d.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// SendPresence updates the account's online status.
func (d *Driver) SendPresence(ctx context.Context, available bool) error {
	if !d.IsLive() {
		return nil
	}
	if available {
		return d.client.SendPresence(ctx, types.PresenceAvailable)
	}
	return d.client.SendPresence(ctx, types.PresenceUnavailable)
}

// ChallengeArtifact returns the current QR payload, if any.
func (d *Driver) ChallengeArtifact() []byte {
	d.qrMu.Lock()
	defer d.qrMu.Unlock()
	if d.lastQR == "" {
		return nil
	}
	return []byte(d.lastQR)
}

func (d *Driver) setQR(code string) {
	d.qrMu.Lock()
	d.lastQR = code
	d.qrMu.Unlock()
}

// getDevice retrieves an existing device or creates a new one.
func (d *Driver) getDevice(ctx context.Context) (*store.Device, error) {
	devices, err := d.container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return d.container.NewDevice(), nil
}

// loginWithQR runs the pairing flow, publishing each code through
// ChallengeArtifact until the phone scans one or the context ends.
func (d *Driver) loginWithQR(ctx context.Context) error {
	qrChan, err := d.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := d.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			d.setQR("")
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				attempts++
				d.setState(StateWaitingQR)
				d.setQR(evt.Code)
				d.logger.Info("whatsapp: QR code ready", "attempt", attempts)

			case "success":
				d.setQR("")
				d.logger.Info("whatsapp: login successful")
				d.StartHealthMonitor(ctx, d.cfg.HealthMonitor)
				return nil

			case "timeout":
				d.setQR("")
				d.setState(StateDisconnected)
				d.logger.Warn("whatsapp: QR code expired")
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					d.setQR("")
					d.setState(StateDisconnected)
					d.logger.Error("whatsapp: QR login error", "error", evt.Error)
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// emitEvent appends evt to the unread buffer, dropping it when full.
func (d *Driver) emitEvent(evt channels.RawEvent) {
	d.unreadMu.Lock()
	defer d.unreadMu.Unlock()

	if len(d.unread) >= d.cfg.UnreadBuffer {
		d.logger.Warn("whatsapp: unread buffer full, dropping message",
			"chat_id", evt.ChatID, "kind", evt.Kind)
		return
	}
	d.unread = append(d.unread, evt)
	d.UpdateLastActivity()
}

// pendingCount is the number of buffered unread events.
func (d *Driver) pendingCount() int {
	d.unreadMu.Lock()
	defer d.unreadMu.Unlock()
	return len(d.unread)
}

func (d *Driver) markRead(chat, sender types.JID, id types.MessageID) {
	if d.client == nil || d.ctx == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	if err := d.client.MarkRead(ctx, []types.MessageID{id}, time.Now(), chat, sender); err != nil {
		d.logger.Debug("whatsapp: mark read failed", "error", err)
	}
}
