// Package bridge assembles the session, ingestion loop, pipeline and
// dispatcher into one running unit and exposes the control surface used by
// the CLI.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/anomchat/pkg/anomchat/ai"
	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/channels/simulated"
	"github.com/jholhewres/anomchat/pkg/anomchat/channels/whatsapp"
	"github.com/jholhewres/anomchat/pkg/anomchat/config"
	"github.com/jholhewres/anomchat/pkg/anomchat/conversation"
	"github.com/jholhewres/anomchat/pkg/anomchat/database"
	"github.com/jholhewres/anomchat/pkg/anomchat/dispatch"
	"github.com/jholhewres/anomchat/pkg/anomchat/ingest"
	"github.com/jholhewres/anomchat/pkg/anomchat/media"
	"github.com/jholhewres/anomchat/pkg/anomchat/ratelimit"
	"github.com/jholhewres/anomchat/pkg/anomchat/session"
)

var (
	// ErrAlreadyStarted is returned by Start on a running bridge.
	ErrAlreadyStarted = errors.New("bridge already started")

	// ErrNotStarted is returned by operations that need a running bridge.
	ErrNotStarted = errors.New("bridge not started")
)

// Options override components built from the configuration.
type Options struct {
	// Driver replaces the driver selected by config.Channel.
	Driver channels.SessionDriver

	// Generator replaces the OpenAI-compatible client.
	Generator conversation.Generator

	// Store reuses an open store. Close leaves it open.
	Store *database.Store
}

// Bridge owns every component of a running instance.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *database.Store
	ownsStore  bool
	media      *media.FileSystemStore
	session    *session.Manager
	dispatcher *dispatch.Dispatcher
	pipeline   *conversation.Pipeline
	admin      *conversation.Admin
	loop       *ingest.Loop
	status     *statusWriter

	mu         sync.Mutex
	started    bool
	runCtx     context.Context
	cancelRun  context.CancelFunc
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	cron       *cron.Cron
}

// New builds a bridge from cfg. cfg is expected to be validated.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Bridge{
		cfg:    cfg,
		logger: logger.With("component", "bridge"),
		media:  media.NewFileSystemStore(cfg.Media, logger),
	}

	if opts.Store != nil {
		b.store = opts.Store
	} else {
		store, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		b.store, b.ownsStore = store, true
	}

	drv := opts.Driver
	if drv == nil {
		var err error
		if drv, err = newDriver(cfg, b.media, logger); err != nil {
			b.closeStore()
			return nil, err
		}
	}

	gen := opts.Generator
	if gen == nil {
		gen = ai.New(cfg.AI, logger)
	}

	b.session = session.New(cfg.Session, drv, logger)
	b.dispatcher = dispatch.New(cfg.Dispatch, b.session, ratelimit.New(cfg.RateLimit), logger)
	b.pipeline = conversation.NewPipeline(cfg.Conversation, b.store, gen, b.dispatcher, logger)
	b.admin = conversation.NewAdmin(b.store, logger)
	b.loop = ingest.New(cfg.Ingest, b.session, ratelimit.New(cfg.RateLimit), b.pipeline, logger)
	b.status = newStatusWriter(b.store, b.session.Status, logger)
	b.session.AddObserver(b.status.observe)

	return b, nil
}

func newDriver(cfg *config.Config, store *media.FileSystemStore, logger *slog.Logger) (channels.SessionDriver, error) {
	switch cfg.Channel {
	case config.ChannelWhatsApp, "":
		return whatsapp.New(cfg.WhatsApp, store, logger), nil
	case config.ChannelSimulated:
		return simulated.New(simulated.Config{Paired: true}, store, logger), nil
	default:
		return nil, fmt.Errorf("unknown channel %q", cfg.Channel)
	}
}

// Start connects the session, then starts the ingestion loop and the
// maintenance schedule. Connect blocks while a pairing challenge is
// pending; the challenge is visible through Status. On failure everything
// started so far is released.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}

	b.runCtx, b.cancelRun = context.WithCancel(ctx)
	b.status.start()

	if err := b.session.Connect(b.runCtx); err != nil {
		b.cancelRun()
		b.status.stop()
		return fmt.Errorf("starting bridge: %w", err)
	}

	c, err := b.newMaintenance(b.runCtx)
	if err != nil {
		b.cancelRun()
		_ = b.session.Disconnect(context.Background())
		b.status.stop()
		return fmt.Errorf("starting bridge: %w", err)
	}
	b.cron = c
	b.cron.Start()

	loopCtx, cancelLoop := context.WithCancel(b.runCtx)
	b.cancelLoop = cancelLoop
	b.loopDone = make(chan struct{})
	go func() {
		defer close(b.loopDone)
		if err := b.loop.Run(loopCtx); err != nil {
			b.logger.Error("bridge: ingestion loop exited", "error", err)
		}
	}()

	b.started = true
	b.logger.Info("bridge: started", "driver", b.session.Driver().Name())
	return nil
}

// Stop cancels the ingestion loop, waits for it, terminates the session
// within the configured shutdown timeout and stops the maintenance
// schedule. ctx bounds the whole sequence. The store stays open, so the
// bridge can be started again; Close releases it.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked(ctx)
}

// Close stops a running bridge and closes the store it opened. The bridge
// cannot be used afterwards.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.stopLocked(ctx)
	b.closeStore()
	return err
}

func (b *Bridge) stopLocked(ctx context.Context) error {
	if !b.started {
		return nil
	}
	b.started = false

	var errs []error

	b.cancelLoop()
	select {
	case <-b.loopDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for ingestion loop: %w", ctx.Err()))
	}

	timeout := b.cfg.Maintenance.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	if err := b.session.Disconnect(dctx); err != nil {
		errs = append(errs, err)
	}
	cancel()

	if b.cron != nil {
		select {
		case <-b.cron.Stop().Done():
		case <-ctx.Done():
			b.logger.Warn("bridge: maintenance stop timed out")
		}
	}

	b.cancelRun()
	b.status.stop()

	b.logger.Info("bridge: stopped")
	return errors.Join(errs...)
}

// Reconnect forces the session through a new authentication.
func (b *Bridge) Reconnect(_ context.Context) error {
	b.mu.Lock()
	runCtx, started := b.runCtx, b.started
	b.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	// Reconnection is bounded by the bridge lifetime, not by ctx.
	return b.session.Reconnect(runCtx)
}

// Status returns the current session snapshot.
func (b *Bridge) Status() session.Snapshot {
	return b.session.Status()
}

// OnStatus registers fn for every status transition. See
// session.Manager.AddObserver for the calling rules.
func (b *Bridge) OnStatus(fn session.Observer) {
	b.session.AddObserver(fn)
}

// IngestStats returns the loop counters.
func (b *Bridge) IngestStats() ingest.Stats {
	return b.loop.Stats()
}

// ConfigureConversation updates a conversation's settings.
func (b *Bridge) ConfigureConversation(ctx context.Context, chatID string, s conversation.Settings) error {
	return b.admin.ConfigureConversation(ctx, chatID, s)
}

// SetPendingFirstMessage arms the first-message gate for chatID.
func (b *Bridge) SetPendingFirstMessage(ctx context.Context, chatID, text string, s conversation.Settings) error {
	return b.admin.SetPendingFirstMessage(ctx, chatID, text, s)
}

// Admin exposes the remaining admin entry points.
func (b *Bridge) Admin() *conversation.Admin { return b.admin }

func (b *Bridge) closeStore() {
	if !b.ownsStore || b.store == nil {
		return
	}
	if err := b.store.Close(); err != nil {
		b.logger.Warn("bridge: closing store", "error", err)
	}
	b.ownsStore = false
}
