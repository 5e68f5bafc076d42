package config

import (
	"time"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Scrub     ScrubConfig     `yaml:"scrub" mapstructure:"scrub"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	State     StateConfig     `yaml:"state" mapstructure:"state"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	RateLimit    struct {
		Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
		Burst             int     `yaml:"burst" mapstructure:"burst"`
	} `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ScrubConfig contains the de-identification rules and engine settings
type ScrubConfig struct {
	PersonIDKey         string            `yaml:"person_id_key" mapstructure:"person_id_key"`
	BirthDatetimeKey    string            `yaml:"birth_datetime_key" mapstructure:"birth_datetime_key"`
	Profile             string            `yaml:"profile" mapstructure:"profile"` // pedsnet_cdm or none
	Redact              []string          `yaml:"redact" mapstructure:"redact"`
	Preserve            []string          `yaml:"preserve" mapstructure:"preserve"`
	Force               []scrub.MapRule   `yaml:"force" mapstructure:"force"`
	Defaults            []scrub.MapRule   `yaml:"defaults" mapstructure:"defaults"`
	Aliases             map[string]string `yaml:"aliases" mapstructure:"aliases"`
	RedactWith          string            `yaml:"redact_with" mapstructure:"redact_with"` // empty means redact to null
	RemapBase           int64             `yaml:"remap_base" mapstructure:"remap_base"`
	RemapBlockSize      int               `yaml:"remap_block_size" mapstructure:"remap_block_size"`
	PerAttributeBlocks  bool              `yaml:"per_attribute_blocks" mapstructure:"per_attribute_blocks"`
	WindowDays          int               `yaml:"window_days" mapstructure:"window_days"`
	BeforeDateThreshold string            `yaml:"before_date_threshold" mapstructure:"before_date_threshold"`
	AfterDateThreshold  string            `yaml:"after_date_threshold" mapstructure:"after_date_threshold"`
	ThresholdAction     string            `yaml:"threshold_action" mapstructure:"threshold_action"` // none, warn, or retry
	DatetimeToAge       string            `yaml:"datetime_to_age" mapstructure:"datetime_to_age"`   // days, months, or years
	Seed                int64             `yaml:"seed" mapstructure:"seed"`
}

// PipelineConfig contains file processing configuration
type PipelineConfig struct {
	InputFormat   string `yaml:"input_format" mapstructure:"input_format"`   // auto-detected when empty
	OutputFormat  string `yaml:"output_format" mapstructure:"output_format"` // defaults to the input format
	ProgressEvery int    `yaml:"progress_every" mapstructure:"progress_every"`
}

// StateConfig contains crosswalk persistence configuration
type StateConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // file or redis
	Path    string `yaml:"path" mapstructure:"path"`
	Redis   struct {
		URL             string        `yaml:"url" mapstructure:"url"`
		KeyPrefix       string        `yaml:"key_prefix" mapstructure:"key_prefix"`
		TTL             time.Duration `yaml:"ttl" mapstructure:"ttl"`
		MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
		MinIdleConns    int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	} `yaml:"redis" mapstructure:"redis"`
}

// DatabaseConfig contains PostgreSQL table-to-table copy configuration
type DatabaseConfig struct {
	URL             string        `yaml:"url" mapstructure:"url"`
	SourceTable     string        `yaml:"source_table" mapstructure:"source_table"`
	DestTable       string        `yaml:"dest_table" mapstructure:"dest_table"`
	InsertBatch     int           `yaml:"insert_batch" mapstructure:"insert_batch"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
		Path     string `yaml:"path" mapstructure:"path"`
		MaxSize  int    `yaml:"max_size" mapstructure:"max_size"`
		MaxAge   int    `yaml:"max_age" mapstructure:"max_age"`
		Compress bool   `yaml:"compress" mapstructure:"compress"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Events          struct {
		BroadcastRecords     bool `yaml:"broadcast_records" mapstructure:"broadcast_records"`
		BroadcastWarnings    bool `yaml:"broadcast_warnings" mapstructure:"broadcast_warnings"`
		BroadcastSystem      bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
		BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Scrub: ScrubConfig{
			PersonIDKey:     "person_id",
			Profile:         "pedsnet_cdm",
			RemapBlockSize:  100,
			WindowDays:      366,
			ThresholdAction: "none",
		},
		Pipeline: PipelineConfig{
			ProgressEvery: 10000,
		},
		State: StateConfig{
			Backend: "file",
			Path:    "crosswalk.json",
		},
		Database: DatabaseConfig{
			InsertBatch:     500,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			AllowedOrigins:  []string{"*"}, // Allow all origins for development
		},
	}

	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 50
	cfg.Server.RateLimit.Burst = 100

	cfg.State.Redis.URL = "redis://localhost:6379"
	cfg.State.Redis.KeyPrefix = "lessid:"
	cfg.State.Redis.MaxConnections = 10
	cfg.State.Redis.MinIdleConns = 2
	cfg.State.Redis.ConnMaxLifetime = 30 * time.Minute

	cfg.Logging.File.Enabled = false
	cfg.Logging.File.Path = "logs/lessidentify.log"
	cfg.Logging.File.MaxSize = 100 // MB
	cfg.Logging.File.MaxAge = 30   // days
	cfg.Logging.File.Compress = true

	cfg.WebSocket.Events.BroadcastRecords = true
	cfg.WebSocket.Events.BroadcastWarnings = true
	cfg.WebSocket.Events.BroadcastSystem = true
	cfg.WebSocket.Events.BroadcastConnections = true

	return cfg
}

// ToScrubConfig builds the engine configuration from the scrub section,
// layering any named profile's rules after the user's own so that
// user-declared rules win within each tier.
func (c *Config) ToScrubConfig() scrub.Config {
	sc := scrub.Config{
		PersonIDKey:         c.Scrub.PersonIDKey,
		BirthDatetimeKey:    c.Scrub.BirthDatetimeKey,
		Redact:              c.Scrub.Redact,
		Preserve:            c.Scrub.Preserve,
		Force:               c.Scrub.Force,
		Defaults:            c.Scrub.Defaults,
		Aliases:             c.Scrub.Aliases,
		RemapBase:           c.Scrub.RemapBase,
		RemapBlockSize:      c.Scrub.RemapBlockSize,
		PerAttributeBlocks:  c.Scrub.PerAttributeBlocks,
		WindowDays:          c.Scrub.WindowDays,
		BeforeDateThreshold: c.Scrub.BeforeDateThreshold,
		AfterDateThreshold:  c.Scrub.AfterDateThreshold,
		ThresholdAction:     c.Scrub.ThresholdAction,
		DatetimeToAge:       c.Scrub.DatetimeToAge,
		Seed:                c.Scrub.Seed,
	}

	if c.Scrub.RedactWith != "" {
		sc.RedactWith = c.Scrub.RedactWith
	}

	if c.Scrub.Profile == "pedsnet_cdm" {
		profile := scrub.CDMProfile()
		sc.Redact = append(sc.Redact, profile.Redact...)
		sc.Preserve = append(sc.Preserve, profile.Preserve...)
		sc.Defaults = append(sc.Defaults, profile.Defaults...)
	}

	return sc
}
