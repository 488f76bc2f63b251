// Package session keeps exactly one channel session alive. The Manager owns
// the session state machine:
//
//	Uninitialized → Authenticating → Connected → Disconnected → Authenticating …
//	any state → Terminated (Disconnect)
//
// Liveness failures are reported by the ingestion loop or the dispatcher
// through ReportLost; the manager then reconnects in the background after a
// fixed backoff, retrying until the session is terminated.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
)

var (
	// ErrAuthenticationTimeout is returned when no pairing completed within
	// Config.AuthTimeout.
	ErrAuthenticationTimeout = errors.New("authentication timeout")

	// ErrConnectInProgress is returned by Connect while another
	// authentication is running.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrTerminated is returned when the session was terminated while an
	// operation was running.
	ErrTerminated = errors.New("session terminated")
)

// Config configures the session manager.
type Config struct {
	// AuthTimeout bounds one authentication attempt.
	AuthTimeout time.Duration `yaml:"auth_timeout" validate:"gte=0"`

	// AuthPollInterval is how often liveness and the challenge are polled
	// while authenticating.
	AuthPollInterval time.Duration `yaml:"auth_poll_interval" validate:"gte=0"`

	// ReconnectBackoff is the fixed delay before each reconnection attempt.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff" validate:"gte=0"`
}

// DefaultConfig returns the default session timings.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:      120 * time.Second,
		AuthPollInterval: time.Second,
		ReconnectBackoff: 5 * time.Second,
	}
}

// Manager drives one SessionDriver through the session state machine.
type Manager struct {
	cfg    Config
	driver channels.SessionDriver
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	lastErr   string
	challenge string
	since     time.Time
	runCtx    context.Context
	cancelRun context.CancelFunc

	snapshot atomic.Pointer[Snapshot]

	obsMu     sync.Mutex
	observers []Observer

	reconnecting atomic.Bool
	attempts     atomic.Int64
	wg           sync.WaitGroup
}

// New creates a Manager in the Uninitialized state.
func New(cfg Config, driver channels.SessionDriver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.AuthPollInterval <= 0 {
		cfg.AuthPollInterval = def.AuthPollInterval
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}

	m := &Manager{
		cfg:    cfg,
		driver: driver,
		logger: logger.With("component", "session", "driver", driver.Name()),
		state:  StateUninitialized,
		since:  time.Now(),
	}
	m.snapshot.Store(&Snapshot{
		State:  StateUninitialized,
		Driver: driver.Name(),
		Since:  m.since,
	})
	return m
}

// Driver returns the capability object used to read and send.
func (m *Manager) Driver() channels.SessionDriver { return m.driver }

// State returns the current state.
func (m *Manager) State() State { return m.Status().State }

// IsConnected reports whether the session is in the Connected state.
func (m *Manager) IsConnected() bool { return m.State() == StateConnected }

// Connect authenticates the session. A valid saved credential connects
// directly; otherwise the challenge is exposed through Status until it is
// answered or Config.AuthTimeout elapses, in which case the manager returns
// to Uninitialized with ErrAuthenticationTimeout.
//
// ctx also bounds the background reconnection started after a later
// liveness failure.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateAuthenticating:
		m.mu.Unlock()
		return ErrConnectInProgress
	case StateDisconnected:
		// A reconnection loop owns the session.
		m.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx, m.cancelRun = runCtx, cancel
	m.attempts.Store(0)
	m.lastErr = ""
	m.transitionLocked(StateAuthenticating, nil)
	m.mu.Unlock()

	m.logger.Info("session: connecting")
	err := m.authenticate(runCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateTerminated {
		return ErrTerminated
	}
	if err != nil {
		m.transitionLocked(StateUninitialized, err)
		m.logger.Error("session: connect failed", "error", err)
		return fmt.Errorf("connecting session: %w", err)
	}
	m.transitionLocked(StateConnected, nil)
	m.logger.Info("session: connected")
	return nil
}

// authenticate opens the driver and polls it until live. The driver is
// released on failure.
func (m *Manager) authenticate(ctx context.Context) error {
	// Drop any stale handle from a previous connection.
	_ = m.closeDriver()

	if err := m.driver.Open(ctx); err != nil {
		_ = m.closeDriver()
		return fmt.Errorf("opening driver: %w", err)
	}

	ticker := time.NewTicker(m.cfg.AuthPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.cfg.AuthTimeout)
	defer deadline.Stop()

	for {
		if m.driver.IsLive() {
			m.setChallenge(nil)
			return nil
		}
		m.setChallenge(m.driver.ChallengeArtifact())

		select {
		case <-ctx.Done():
			_ = m.closeDriver()
			return ctx.Err()
		case <-deadline.C:
			_ = m.closeDriver()
			m.setChallenge(nil)
			return ErrAuthenticationTimeout
		case <-ticker.C:
		}
	}
}

// setChallenge publishes a changed challenge while authenticating.
func (m *Manager) setChallenge(artifact []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := string(artifact)
	if next == m.challenge {
		return
	}
	m.challenge = next
	if m.state != StateAuthenticating {
		return
	}
	if next != "" {
		m.logger.Info("session: pairing challenge available")
	}
	m.publish(m.snapshotLocked())
}

// ReportLost moves a Connected session to Disconnected and starts the
// reconnection loop. Reports in any other state are ignored.
func (m *Manager) ReportLost(err error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if err == nil {
		err = channels.ErrChannelLost
	}
	m.transitionLocked(StateDisconnected, err)
	ctx := m.runCtx
	m.mu.Unlock()

	m.logger.Warn("session: liveness lost", "error", err)
	m.startReconnect(ctx)
}

// Reconnect forces a new authentication. A Connected session is dropped to
// Disconnected first; an Uninitialized or Terminated one connects afresh.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.transitionLocked(StateDisconnected, errors.New("manual reconnect"))
		run := m.runCtx
		m.mu.Unlock()
		m.startReconnect(run)
		return nil
	case StateDisconnected:
		run := m.runCtx
		m.mu.Unlock()
		m.startReconnect(run)
		return nil
	case StateAuthenticating:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	m.mu.Unlock()
	return m.Connect(ctx)
}

func (m *Manager) startReconnect(ctx context.Context) {
	if ctx == nil {
		return
	}
	if !m.reconnecting.CompareAndSwap(false, true) {
		m.logger.Debug("session: reconnect already in progress, skipping")
		return
	}
	m.wg.Add(1)
	go m.reconnectLoop(ctx)
}

// reconnectLoop retries authentication after a fixed backoff until it
// succeeds, ctx is cancelled or the session is terminated. The loop owns
// the reconnecting flag until it releases it, exactly once, on its way out.
func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(m.cfg.ReconnectBackoff)
	defer timer.Stop()

	for {
		attempt := m.attempts.Add(1)
		m.logger.Info("session: attempting reconnect",
			"attempt", attempt, "backoff", m.cfg.ReconnectBackoff)

		select {
		case <-ctx.Done():
			m.reconnecting.Store(false)
			m.logger.Debug("session: reconnect cancelled during backoff")
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if m.state != StateDisconnected {
			m.reconnecting.Store(false)
			m.mu.Unlock()
			return
		}
		m.transitionLocked(StateAuthenticating, nil)
		m.mu.Unlock()

		err := m.authenticate(ctx)

		m.mu.Lock()
		if m.state == StateTerminated {
			m.reconnecting.Store(false)
			m.mu.Unlock()
			return
		}
		if err == nil {
			m.attempts.Store(0)
			// A loss reported right after this transition must be able to
			// start a new loop.
			m.reconnecting.Store(false)
			m.transitionLocked(StateConnected, nil)
			m.mu.Unlock()
			m.logger.Info("session: reconnected", "attempts", attempt)
			return
		}
		m.transitionLocked(StateDisconnected, err)
		m.mu.Unlock()

		m.logger.Warn("session: reconnect attempt failed", "attempt", attempt, "error", err)
		timer.Reset(m.cfg.ReconnectBackoff)
	}
}

// Disconnect terminates the session and releases the driver. The driver is
// closed on every path, including a panicking Close. ctx bounds how long
// Disconnect waits for in-flight reconnection to stop.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return nil
	}
	if m.cancelRun != nil {
		m.cancelRun()
	}
	m.challenge = ""
	m.transitionLocked(StateTerminated, nil)
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		m.wg.Wait()
		done <- m.closeDriver()
	}()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("session: driver close failed", "error", err)
			return fmt.Errorf("releasing driver: %w", err)
		}
		m.logger.Info("session: terminated")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect: %w", ctx.Err())
	}
}

// closeDriver releases the transport, converting a panic into an error.
func (m *Manager) closeDriver() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver close panic: %v", r)
		}
	}()
	return m.driver.Close()
}

// transitionLocked moves to next and publishes the new snapshot. Caller
// holds m.mu.
func (m *Manager) transitionLocked(next State, cause error) {
	prev := m.state
	m.state = next
	m.since = time.Now()
	if cause != nil {
		m.lastErr = cause.Error()
	} else if next == StateConnected {
		m.lastErr = ""
	}
	if next != StateAuthenticating {
		m.challenge = ""
	}

	m.logger.Debug("session: state transition", "from", prev, "to", next)
	m.publish(m.snapshotLocked())
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:         m.state,
		Authenticated: m.state == StateConnected,
		LastError:     m.lastErr,
		Challenge:     m.challenge,
		Driver:        m.driver.Name(),
		Attempts:      m.attempts.Load(),
		Since:         m.since,
	}
}
