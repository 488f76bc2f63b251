// Package database persists conversations, messages, the bridge status and
// the admin log. SQLite is the default backend and needs no configuration;
// PostgreSQL is available for deployments that already run one. Both share
// the same Store, with the schema managed by embedded migrations.
package database

import (
	"time"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Config selects and configures the backend.
type Config struct {
	// Backend is the database backend type (default: "sqlite").
	Backend BackendType `yaml:"backend" validate:"omitempty,oneof=sqlite postgresql"`

	// SQLite configuration.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// PostgreSQL configuration.
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/anomchat.db").
	Path string `yaml:"path"`

	// Journal mode (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout" validate:"gte=0"`
}

// PostgreSQLConfig holds PostgreSQL configuration.
type PostgreSQLConfig struct {
	// DSN overrides the individual connection fields when set.
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`

	// Password supports ${ENV_VAR} expansion.
	Password string `yaml:"password"`

	// SSL mode: disable, require, verify-ca, verify-full.
	SSLMode string `yaml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	// Connection pooling.
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultConfig returns a SQLite configuration under ./data.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/anomchat.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
	}
}
