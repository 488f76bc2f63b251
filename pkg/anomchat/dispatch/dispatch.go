// Package dispatch delivers outbound messages through the current session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
	"github.com/jholhewres/anomchat/pkg/anomchat/ratelimit"
)

// ErrChannelUnavailable is returned when the session is not connected.
// The message stays persisted and undelivered.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Session is the part of the session manager the dispatcher uses.
type Session interface {
	IsConnected() bool
	Driver() channels.SessionDriver
	ReportLost(err error)
}

// Config configures reply pacing.
type Config struct {
	// Typing shows a typing indicator before each reply when the driver
	// supports it.
	Typing bool `yaml:"typing"`

	// ReplyDelayMin and ReplyDelayMax bound the random pause before a
	// reply. Zero disables pacing.
	ReplyDelayMin time.Duration `yaml:"reply_delay_min" validate:"gte=0"`
	ReplyDelayMax time.Duration `yaml:"reply_delay_max" validate:"gte=0,gtefield=ReplyDelayMin"`
}

// DefaultConfig returns pacing defaults.
func DefaultConfig() Config {
	return Config{
		Typing:        true,
		ReplyDelayMin: 1 * time.Second,
		ReplyDelayMax: 3 * time.Second,
	}
}

// Dispatcher sends replies subject to the outbound rate limit.
type Dispatcher struct {
	cfg     Config
	session Session
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	// jitter returns a duration in [0, n).
	jitter func(n time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. limiter may be nil to disable outbound limits.
func New(cfg Config, session Session, limiter *ratelimit.Limiter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ReplyDelayMax < cfg.ReplyDelayMin {
		cfg.ReplyDelayMax = cfg.ReplyDelayMin
	}
	return &Dispatcher{
		cfg:     cfg,
		session: session,
		limiter: limiter,
		logger:  logger.With("component", "dispatch"),
		jitter: func(n time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(n)))
		},
		sleep: sleepCtx,
	}
}

// Send delivers text to chatID. It fails with ratelimit.ErrRateLimited,
// ErrChannelUnavailable, or an error wrapping channels.ErrChannelLost when
// the driver died during the send.
func (d *Dispatcher) Send(ctx context.Context, chatID, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("dispatch: empty message")
	}
	// A send refused for lack of a session must not use up the chat's quota.
	if !d.session.IsConnected() {
		return fmt.Errorf("dispatch to %s: %w", chatID, ErrChannelUnavailable)
	}
	if d.limiter != nil {
		if err := d.limiter.Allow(chatID); err != nil {
			d.logger.Warn("dispatch: outbound rate limit hit", "chat_id", chatID)
			return fmt.Errorf("dispatch to %s: %w", chatID, err)
		}
	}

	drv := d.session.Driver()
	if err := d.pace(ctx, drv, chatID); err != nil {
		return fmt.Errorf("dispatch to %s: %w", chatID, err)
	}

	if err := drv.Send(ctx, chatID, text); err != nil {
		if errors.Is(err, channels.ErrChannelLost) || !drv.IsLive() {
			d.logger.Warn("dispatch: channel lost during send", "chat_id", chatID, "error", err)
			d.session.ReportLost(err)
			if errors.Is(err, channels.ErrChannelLost) {
				return fmt.Errorf("dispatch to %s: %w", chatID, err)
			}
			return fmt.Errorf("dispatch to %s: %w: %w", chatID, channels.ErrChannelLost, err)
		}
		return fmt.Errorf("dispatch to %s: %w", chatID, err)
	}

	d.logger.Debug("dispatch: message sent", "chat_id", chatID, "chars", len(text))
	return nil
}

// pace shows the typing indicator and waits a random reply delay.
func (d *Dispatcher) pace(ctx context.Context, drv channels.SessionDriver, chatID string) error {
	if d.cfg.Typing {
		if typer, ok := drv.(channels.Typer); ok {
			if err := typer.SendTyping(ctx, chatID); err != nil {
				d.logger.Debug("dispatch: typing indicator failed", "chat_id", chatID, "error", err)
			}
		}
	}

	delay := d.cfg.ReplyDelayMin
	if spread := d.cfg.ReplyDelayMax - d.cfg.ReplyDelayMin; spread > 0 {
		delay += d.jitter(spread)
	}
	if delay <= 0 {
		return nil
	}
	return d.sleep(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
