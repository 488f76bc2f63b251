// Package whatsapp – health.go implements proactive health monitoring for
// the WhatsApp connection to detect silent disconnects.
package whatsapp

import (
	"context"
	"time"
)

// HealthMonitorConfig configures proactive connection health monitoring.
type HealthMonitorConfig struct {
	// Enabled turns on proactive health monitoring.
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often to perform health checks.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is the maximum time without any activity before
	// the client's socket state is double-checked.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter marks the transport lost after this much silence
	// even if the socket reports connected. 0 disables it.
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`

	// PingInterval is how often an "available" presence is sent.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultHealthMonitorConfig returns sensible defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 30 * time.Minute,
		PingInterval:        2 * time.Minute,
	}
}

// StartHealthMonitor starts the health check and pinger goroutines. Both
// stop when ctx is cancelled.
func (d *Driver) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 2 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()

		d.logger.Debug("whatsapp health monitor started",
			"check_interval", cfg.CheckInterval,
			"max_silent", cfg.MaxSilentDuration)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.performHealthCheck(cfg, time.Now())
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if d.getState() != StateConnected {
					continue
				}
				if err := d.SendPresence(ctx, true); err != nil {
					d.logger.Warn("whatsapp: pinger failed to send presence", "error", err)
					continue
				}
				d.UpdateLastActivity()
			}
		}
	}()
}

// performHealthCheck marks the transport lost when the client socket died
// silently or the connection has been quiet for too long.
func (d *Driver) performHealthCheck(cfg HealthMonitorConfig, now time.Time) {
	if d.getState() != StateConnected {
		return
	}

	silent := now.Sub(d.getLastActivity())
	if silent <= cfg.MaxSilentDuration {
		return
	}

	d.logger.Warn("whatsapp: connection silent for too long",
		"silent_duration", silent, "max_silent", cfg.MaxSilentDuration)

	if d.client != nil && !d.client.IsConnected() {
		d.markLost(StateDisconnected, "socket_closed")
		return
	}

	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		d.markLost(StateDisconnected, "silence_timeout")
	}
}

func (d *Driver) getLastActivity() time.Time {
	if v := d.lastActivity.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// UpdateLastActivity records transport activity for the health monitor.
func (d *Driver) UpdateLastActivity() {
	d.lastActivity.Store(time.Now())
}
