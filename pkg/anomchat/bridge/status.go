package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/anomchat/pkg/anomchat/database"
	"github.com/jholhewres/anomchat/pkg/anomchat/session"
)

// statusStore persists the status surface.
type statusStore interface {
	SaveStatus(ctx context.Context, st database.BridgeStatus) error
}

// statusWriter persists session snapshots off the transitioning
// goroutine. Only the latest pending snapshot is written; intermediate
// ones may be skipped when transitions outpace the store. All writes,
// heartbeats included, go through the single run goroutine.
type statusWriter struct {
	store   statusStore
	current func() session.Snapshot
	logger  *slog.Logger

	mu      sync.Mutex
	latest  *session.Snapshot
	refresh bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	running bool
}

// newStatusWriter creates a writer. current, when set, is read at write
// time by touch.
func newStatusWriter(store statusStore, current func() session.Snapshot, logger *slog.Logger) *statusWriter {
	return &statusWriter{
		store:   store,
		current: current,
		logger:  logger.With("component", "status"),
		wake:    make(chan struct{}, 1),
	}
}

// observe is registered as a session observer. It never blocks.
func (w *statusWriter) observe(_, next session.Snapshot) {
	w.mu.Lock()
	w.latest = &next
	w.mu.Unlock()
	w.signal()
}

// touch asks for the current snapshot to be written again. The snapshot
// is read when the write happens, so it cannot overwrite a newer one.
func (w *statusWriter) touch() {
	w.mu.Lock()
	w.refresh = true
	w.mu.Unlock()
	w.signal()
}

func (w *statusWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *statusWriter) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.quit, w.done)
}

// stop flushes the pending snapshot and waits for the writer to exit.
func (w *statusWriter) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	quit, done := w.quit, w.done
	w.mu.Unlock()

	close(quit)
	<-done
}

func (w *statusWriter) run(quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-quit:
			w.flush()
			return
		}
	}
}

func (w *statusWriter) flush() {
	w.mu.Lock()
	snap, refresh := w.latest, w.refresh
	w.latest, w.refresh = nil, false
	w.mu.Unlock()

	// The session stores a snapshot before notifying observers, so the
	// current one is never older than latest.
	if refresh && w.current != nil {
		cur := w.current()
		snap = &cur
	}
	if snap != nil {
		w.save(*snap)
	}
}

// save writes snap immediately. Failures are logged; the status surface
// stays authoritative in memory.
func (w *statusWriter) save(snap session.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.store.SaveStatus(ctx, database.BridgeStatus{
		State:         string(snap.State),
		Authenticated: snap.Authenticated,
		LastError:     snap.LastError,
		Challenge:     snap.Challenge,
	})
	if err != nil {
		w.logger.Warn("status: persist failed", "state", snap.State, "error", err)
		return
	}
	w.logger.Debug("status: persisted", "state", snap.State)
}
