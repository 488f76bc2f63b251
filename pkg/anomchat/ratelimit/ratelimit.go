// Package ratelimit sheds per-chat traffic that arrives too fast. Each chat
// gets a minimum spacing between events plus a fixed-window hourly cap.
// Rejected events are dropped by the caller, never queued.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when an event exceeds a chat's limits.
var ErrRateLimited = errors.New("rate limited")

// maxTrackedChats caps the number of chat windows kept in memory.
const maxTrackedChats = 4096

// Config holds the per-chat limits.
type Config struct {
	// MinInterval is the minimum spacing between two counted events.
	MinInterval time.Duration `yaml:"min_interval" validate:"gte=0"`

	// MaxPerWindow is the number of events allowed per Window.
	MaxPerWindow int `yaml:"max_per_hour" validate:"gte=0"`

	// Window is the length of the counting window, starting at the first
	// counted event.
	Window time.Duration `yaml:"window" validate:"gte=0"`
}

// DefaultConfig returns 2s spacing and 20 events per hour.
func DefaultConfig() Config {
	return Config{
		MinInterval:  2 * time.Second,
		MaxPerWindow: 20,
		Window:       time.Hour,
	}
}

type chatWindow struct {
	spacing     *rate.Limiter
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// Limiter tracks one window per chat. Safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	chats map[string]*chatWindow
}

// New creates a Limiter. Zero fields in cfg fall back to the defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = def.MaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Limiter{
		cfg:   cfg,
		now:   time.Now,
		chats: make(map[string]*chatWindow),
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

// Allow counts one event for chatID, or returns ErrRateLimited without
// counting it.
func (l *Limiter) Allow(chatID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(chatID, now)

	if !w.windowStart.IsZero() && now.Sub(w.windowStart) >= l.cfg.Window {
		w.windowStart = time.Time{}
		w.count = 0
	}
	if w.count >= l.cfg.MaxPerWindow {
		return ErrRateLimited
	}
	if w.spacing != nil && !w.spacing.AllowN(now, 1) {
		return ErrRateLimited
	}

	if w.count == 0 {
		w.windowStart = now
	}
	w.count++
	w.lastSeen = now
	return nil
}

// Remaining returns how many more events chatID may send in its current
// window.
func (l *Limiter) Remaining(chatID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.chats[chatID]
	if !ok {
		return l.cfg.MaxPerWindow
	}
	if !w.windowStart.IsZero() && l.now().Sub(w.windowStart) >= l.cfg.Window {
		return l.cfg.MaxPerWindow
	}
	return l.cfg.MaxPerWindow - w.count
}

// Reset forgets chatID's window.
func (l *Limiter) Reset(chatID string) {
	l.mu.Lock()
	delete(l.chats, chatID)
	l.mu.Unlock()
}

// window returns chatID's window, creating it and pruning stale ones when
// the table is full. Caller holds l.mu.
func (l *Limiter) window(chatID string, now time.Time) *chatWindow {
	if w, ok := l.chats[chatID]; ok {
		return w
	}

	if len(l.chats) >= maxTrackedChats {
		for k, w := range l.chats {
			if now.Sub(w.lastSeen) >= l.cfg.Window {
				delete(l.chats, k)
			}
		}
	}

	w := &chatWindow{lastSeen: now}
	if l.cfg.MinInterval > 0 {
		w.spacing = rate.NewLimiter(rate.Every(l.cfg.MinInterval), 1)
	}
	l.chats[chatID] = w
	return w
}
