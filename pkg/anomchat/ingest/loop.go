// Package ingest runs the polling loop that moves inbound events from the
// session driver into the conversation pipeline, exactly once per event.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/conversation"
	"github.com/jholhewres/anomchat/pkg/anomchat/ratelimit"
)

// ErrAlreadyRunning is returned when Run is called on a running loop.
var ErrAlreadyRunning = errors.New("ingestion loop already running")

// Session is the part of the session manager the loop uses.
type Session interface {
	IsConnected() bool
	Driver() channels.SessionDriver
	ReportLost(err error)
}

// Handler consumes classified events.
type Handler interface {
	Handle(ctx context.Context, in conversation.Inbound) (conversation.Result, error)
}

// Config configures the loop.
type Config struct {
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
	DedupCapacity int           `yaml:"dedup_capacity" validate:"gte=1"`

	// DownloadMedia fetches attachments before handing events over.
	DownloadMedia bool `yaml:"download_media"`
}

// DefaultConfig returns loop defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		DedupCapacity: 1000,
		DownloadMedia: true,
	}
}

// Stats are cumulative loop counters.
type Stats struct {
	Polls      int64 `json:"polls"`
	Received   int64 `json:"received"`
	Handled    int64 `json:"handled"`
	Duplicates int64 `json:"duplicates"`
	Groups     int64 `json:"groups"`
	Shed       int64 `json:"shed"`
	Failures   int64 `json:"failures"`
}

// Loop polls the driver on a fixed interval.
type Loop struct {
	cfg     Config
	session Session
	limiter *ratelimit.Limiter
	handler Handler
	seen    *Ring
	logger  *slog.Logger
	running atomic.Bool

	polls, received, handled, duplicates, groups, shed, failures atomic.Int64
}

// New creates a loop. limiter may be nil to disable inbound limits.
func New(cfg Config, session Session, limiter *ratelimit.Limiter, handler Handler, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = def.DedupCapacity
	}
	return &Loop{
		cfg:     cfg,
		session: session,
		limiter: limiter,
		handler: handler,
		seen:    NewRing(cfg.DedupCapacity),
		logger:  logger.With("component", "ingest"),
	}
}

// Run polls until ctx is cancelled. Only one Run may be active at a time.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	l.logger.Info("ingest: loop started", "poll_interval", l.cfg.PollInterval)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			l.logger.Info("ingest: loop stopped")
			return nil
		}
		l.Poll(ctx)

		select {
		case <-ctx.Done():
			l.logger.Info("ingest: loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle and returns how many events reached the handler.
func (l *Loop) Poll(ctx context.Context) int {
	if !l.session.IsConnected() {
		return 0
	}
	l.polls.Add(1)

	drv := l.session.Driver()
	events, err := drv.FetchUnread(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		l.logger.Warn("ingest: fetch failed, reporting channel lost", "error", err)
		l.session.ReportLost(err)
		return 0
	}
	l.received.Add(int64(len(events)))

	handled := 0
	for _, evt := range events {
		if ctx.Err() != nil {
			break
		}
		if l.process(ctx, drv, evt) {
			handled++
		}
	}
	return handled
}

// process takes one event through dedup, filtering, classification, media
// retrieval and the rate check, then hands it to the pipeline.
func (l *Loop) process(ctx context.Context, drv channels.SessionDriver, evt channels.RawEvent) bool {
	if evt.ID != "" && !l.seen.Add(evt.ID) {
		l.duplicates.Add(1)
		l.logger.Debug("ingest: duplicate event dropped", "id", evt.ID, "chat_id", evt.ChatID)
		return false
	}
	if evt.IsGroup {
		l.groups.Add(1)
		l.logger.Debug("ingest: group event skipped", "id", evt.ID, "chat_id", evt.ChatID)
		return false
	}

	in := conversation.Inbound{
		ChatID:     evt.ChatID,
		SenderName: evt.SenderName,
		Platform:   drv.Name(),
		Text:       evt.Text,
		Type:       channels.Classify(evt.Kind),
	}
	if in.Type.IsMedia() && l.cfg.DownloadMedia {
		path, err := drv.DownloadMedia(ctx, evt)
		if err != nil {
			l.logger.Warn("ingest: media download failed", "id", evt.ID, "chat_id", evt.ChatID, "error", err)
		} else {
			in.MediaPath = path
		}
	}
	if in.Text == "" && in.MediaPath == "" && !in.Type.IsMedia() {
		l.logger.Debug("ingest: empty event dropped", "id", evt.ID, "chat_id", evt.ChatID)
		return false
	}

	if l.limiter != nil {
		if err := l.limiter.Allow(evt.ChatID); err != nil {
			l.shed.Add(1)
			l.logger.Warn("ingest: event shed by rate limit", "id", evt.ID, "chat_id", evt.ChatID)
			return false
		}
	}

	l.handled.Add(1)
	res, err := l.handler.Handle(ctx, in)
	if err != nil {
		l.failures.Add(1)
		l.logger.Error("ingest: pipeline failed", "id", evt.ID, "chat_id", evt.ChatID, "error", err)
		return true
	}
	l.logger.Debug("ingest: event handled", "id", evt.ID, "chat_id", evt.ChatID, "action", res.Action, "delivered", res.Delivered)
	return true
}

// Stats returns a copy of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Polls:      l.polls.Load(),
		Received:   l.received.Load(),
		Handled:    l.handled.Load(),
		Duplicates: l.duplicates.Load(),
		Groups:     l.groups.Load(),
		Shed:       l.shed.Load(),
		Failures:   l.failures.Load(),
	}
}
