// Package config defines the bridge configuration and loads it from YAML
// with environment expansion and .env support.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/anomchat/pkg/anomchat/ai"
	"github.com/jholhewres/anomchat/pkg/anomchat/channels/whatsapp"
	"github.com/jholhewres/anomchat/pkg/anomchat/conversation"
	"github.com/jholhewres/anomchat/pkg/anomchat/database"
	"github.com/jholhewres/anomchat/pkg/anomchat/dispatch"
	"github.com/jholhewres/anomchat/pkg/anomchat/ingest"
	"github.com/jholhewres/anomchat/pkg/anomchat/media"
	"github.com/jholhewres/anomchat/pkg/anomchat/ratelimit"
	"github.com/jholhewres/anomchat/pkg/anomchat/session"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Channel names accepted in Config.Channel.
const (
	ChannelWhatsApp  = "whatsapp"
	ChannelSimulated = "simulated"
)

// Config is the root configuration.
type Config struct {
	// Channel selects the session driver.
	Channel string `yaml:"channel" validate:"oneof=whatsapp simulated"`

	WhatsApp     whatsapp.Config     `yaml:"whatsapp"`
	Session      session.Config      `yaml:"session"`
	Ingest       ingest.Config       `yaml:"ingest"`
	RateLimit    ratelimit.Config    `yaml:"rate_limit"`
	Dispatch     dispatch.Config     `yaml:"dispatch"`
	Conversation conversation.Config `yaml:"conversation"`
	AI           ai.Config           `yaml:"ai"`
	Media        media.StoreConfig   `yaml:"media"`
	Database     database.Config     `yaml:"database"`
	Maintenance  MaintenanceConfig   `yaml:"maintenance"`
	Logging      LoggingConfig       `yaml:"logging"`
}

// MaintenanceConfig schedules background housekeeping. Each field is a
// cron expression (robfig/cron, with descriptors such as "@every 1h");
// an empty value disables the job.
type MaintenanceConfig struct {
	MediaSweep string `yaml:"media_sweep"`
	StatsLog   string `yaml:"stats_log"`
	Heartbeat  string `yaml:"heartbeat"`

	// ShutdownTimeout bounds the graceful session close on Stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// LoggingConfig selects the root slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// SlogLevel maps Level to a slog.Level, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns a configuration that runs against a live WhatsApp
// session with a local SQLite store.
func DefaultConfig() *Config {
	return &Config{
		Channel:      ChannelWhatsApp,
		WhatsApp:     whatsapp.DefaultConfig(),
		Session:      session.DefaultConfig(),
		Ingest:       ingest.DefaultConfig(),
		RateLimit:    ratelimit.DefaultConfig(),
		Dispatch:     dispatch.DefaultConfig(),
		Conversation: conversation.DefaultConfig(),
		AI:           ai.DefaultConfig(),
		Media:        media.DefaultStoreConfig(),
		Database:     database.DefaultConfig(),
		Maintenance: MaintenanceConfig{
			MediaSweep:      "@every 1h",
			StatsLog:        "@every 15m",
			Heartbeat:       "@every 1m",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks struct tags on the whole tree.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
