// Package simulated implements an in-memory session driver. It behaves like
// the live WhatsApp driver from the session manager's point of view
// (challenge, liveness, unread queue, send) without touching the network,
// and backs both the test suite and the `anomchat simulate` command.
package simulated

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/media"
)

// Config configures the simulated driver.
type Config struct {
	// Paired starts the driver with a saved credential, so Open makes it
	// live immediately. When false, Open raises a challenge and the driver
	// stays offline until Pair is called.
	Paired bool

	// ChallengeTimeout invalidates an unanswered challenge. 0 keeps it
	// valid forever.
	ChallengeTimeout time.Duration
}

// MediaSaver persists injected attachments.
type MediaSaver interface {
	Save(ctx context.Context, req media.SaveRequest) (*media.StoredMedia, error)
}

// Outbound is one message delivered through Send.
type Outbound struct {
	ChatID string
	Text   string
	At     time.Time
}

// Attachment is injected media content. Use it as RawEvent.Ref.
type Attachment struct {
	Data []byte
}

// Driver is an in-memory channels.SessionDriver.
type Driver struct {
	cfg    Config
	media  MediaSaver
	logger *slog.Logger

	mu        sync.Mutex
	open      bool
	paired    bool
	live      bool
	challenge []byte
	issuedAt  time.Time
	queue     []channels.RawEvent
	sent      []Outbound
	typing    map[string]int

	openErr  error
	fetchErr error
	sendErr  error

	opens  int
	closes int

	entropy io.Reader
	out     func(Outbound)
}

var (
	_ channels.SessionDriver = (*Driver)(nil)
	_ channels.Typer         = (*Driver)(nil)
)

// New creates a simulated driver.
func New(cfg Config, store MediaSaver, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:     cfg,
		media:   store,
		logger:  logger.With("component", "simulated"),
		paired:  cfg.Paired,
		typing:  make(map[string]int),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Name returns "simulated".
func (d *Driver) Name() string { return "simulated" }

// OnSend registers a callback invoked for every delivered message.
func (d *Driver) OnSend(fn func(Outbound)) {
	d.mu.Lock()
	d.out = fn
	d.mu.Unlock()
}

func (d *Driver) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), d.entropy).String()
}

// Open acquires the simulated transport.
func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens++
	if d.openErr != nil {
		return d.openErr
	}

	d.open = true
	if d.paired {
		d.live = true
		d.challenge = nil
		d.logger.Debug("simulated: resumed saved session")
		return nil
	}

	d.challenge = []byte("sim-pair:" + d.newID())
	d.issuedAt = time.Now()
	d.logger.Info("simulated: pairing challenge issued")
	return nil
}

// Close releases the transport. Calling it twice is harmless.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closes++
	d.open = false
	d.live = false
	d.challenge = nil
	return nil
}

// IsLive reports whether the driver is open, paired and reachable.
func (d *Driver) IsLive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && d.live
}

// ChallengeArtifact returns the outstanding pairing payload.
func (d *Driver) ChallengeArtifact() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.challenge == nil {
		return nil
	}
	if d.cfg.ChallengeTimeout > 0 && time.Since(d.issuedAt) > d.cfg.ChallengeTimeout {
		d.challenge = nil
		return nil
	}
	out := make([]byte, len(d.challenge))
	copy(out, d.challenge)
	return out
}

// Pair answers the outstanding challenge, as scanning a QR code would.
func (d *Driver) Pair() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paired = true
	d.challenge = nil
	if d.open {
		d.live = true
	}
}

// Unpair forgets the saved credential, like a logout from the phone.
func (d *Driver) Unpair() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paired = false
	d.live = false
}

// SetLive toggles reachability without closing the driver. Setting it to
// false simulates a dropped websocket.
func (d *Driver) SetLive(live bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = live && d.open
}

// FailOpen makes subsequent Open calls fail with err. nil clears it.
func (d *Driver) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// FailFetch makes subsequent FetchUnread calls fail with err. nil clears it.
func (d *Driver) FailFetch(err error) {
	d.mu.Lock()
	d.fetchErr = err
	d.mu.Unlock()
}

// FailSend makes subsequent Send calls fail with err. nil clears it.
func (d *Driver) FailSend(err error) {
	d.mu.Lock()
	d.sendErr = err
	d.mu.Unlock()
}

// Inject queues an inbound event. Missing IDs and timestamps are filled in
// and the completed event is returned.
func (d *Driver) Inject(evt channels.RawEvent) channels.RawEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	if evt.ID == "" {
		evt.ID = d.newID()
	}
	if evt.Kind == "" {
		evt.Kind = channels.KindText
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	d.queue = append(d.queue, evt)
	return evt
}

// InjectText queues a plain text message from chatID.
func (d *Driver) InjectText(chatID, sender, text string) channels.RawEvent {
	return d.Inject(channels.RawEvent{ChatID: chatID, SenderName: sender, Text: text})
}

// FetchUnread drains the queue.
func (d *Driver) FetchUnread(ctx context.Context) ([]channels.RawEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fetchErr != nil {
		return nil, d.fetchErr
	}
	if !d.open || !d.live {
		return nil, channels.ErrChannelLost
	}
	if len(d.queue) == 0 {
		return nil, nil
	}
	batch := d.queue
	d.queue = nil
	return batch, nil
}

// Send records an outbound message.
func (d *Driver) Send(ctx context.Context, chatID, text string) error {
	d.mu.Lock()
	if d.sendErr != nil {
		err := d.sendErr
		d.mu.Unlock()
		return err
	}
	if !d.open || !d.live {
		d.mu.Unlock()
		return channels.ErrChannelLost
	}
	if chatID == "" {
		d.mu.Unlock()
		return fmt.Errorf("%w: empty chat id", channels.ErrInvalidRecipient)
	}

	msg := Outbound{ChatID: chatID, Text: text, At: time.Now()}
	d.sent = append(d.sent, msg)
	out := d.out
	d.mu.Unlock()

	if out != nil {
		out(msg)
	}
	return nil
}

// SendTyping counts typing indicators per chat.
func (d *Driver) SendTyping(ctx context.Context, chatID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typing[chatID]++
	return nil
}

// DownloadMedia stores an injected Attachment and returns its path. A string
// Ref is treated as an already local path.
func (d *Driver) DownloadMedia(ctx context.Context, evt channels.RawEvent) (string, error) {
	switch ref := evt.Ref.(type) {
	case string:
		if ref == "" {
			return "", channels.ErrNoMedia
		}
		return ref, nil
	case Attachment:
		if d.media == nil {
			return "", fmt.Errorf("no media store configured")
		}
		stored, err := d.media.Save(ctx, media.SaveRequest{
			Data:      ref.Data,
			Filename:  evt.FileName,
			MimeType:  evt.MimeType,
			Kind:      channels.Classify(evt.Kind),
			ChatID:    evt.ChatID,
			MessageID: evt.ID,
		})
		if err != nil {
			return "", fmt.Errorf("saving media: %w", err)
		}
		return stored.Path, nil
	default:
		return "", channels.ErrNoMedia
	}
}

// Sent returns a copy of every delivered message.
func (d *Driver) Sent() []Outbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Outbound, len(d.sent))
	copy(out, d.sent)
	return out
}

// SentTo returns the texts delivered to chatID, in order.
func (d *Driver) SentTo(chatID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, m := range d.sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

// TypingCount returns how many typing indicators chatID received.
func (d *Driver) TypingCount(chatID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing[chatID]
}

// Opens returns how many times Open was called.
func (d *Driver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes returns how many times Close was called.
func (d *Driver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Pending returns the number of queued inbound events.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
