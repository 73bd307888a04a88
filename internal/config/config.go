// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Source kinds.
const (
	SourceJournal = "journal"
	SourceNATS    = "nats"
)

// Translator kinds.
const (
	TranslatorFlatten = "flatten"
	TranslatorLua     = "lua"
)

// BroadcastConfig holds the broadcast listener settings.
type BroadcastConfig struct {
	// Host is the bind address for the listener. Defaults to the loopback interface.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener. 0 selects a free port.
	Port int `mapstructure:"port"`
	// WriteTimeout bounds a single payload write to one client. 0 disables the deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PruneInterval is how often closed clients are swept from the live set.
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	// MaxClients caps concurrent clients. 0 means unlimited.
	MaxClients int `mapstructure:"max_clients"`
}

// Addr returns the "host:port" listen address for the given port.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (b BroadcastConfig) Addr(port int) string {
	return net.JoinHostPort(b.Host, fmt.Sprintf("%d", port))
}

// JournalConfig holds the journal directory tailer settings.
type JournalConfig struct {
	// Dir is the directory containing Journal.*.log and status files.
	Dir string `mapstructure:"dir"`
	// PollInterval is how often the directory is checked for new data.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// FromStart replays the newest journal from offset zero instead of its end.
	FromStart bool `mapstructure:"from_start"`
}

// NATSConfig holds the NATS event source settings.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// SourceConfig selects and configures the event source.
type SourceConfig struct {
	// Kind is "journal" or "nats".
	Kind    string        `mapstructure:"kind"`
	Journal JournalConfig `mapstructure:"journal"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// TranslatorConfig selects and configures the event-to-path translator.
type TranslatorConfig struct {
	// Kind is "flatten" or "lua".
	Kind string `mapstructure:"kind"`
	// RulesFile is an optional YAML rules file for the flatten translator.
	RulesFile string `mapstructure:"rules_file"`
	// ScriptDir holds *.lua files for the lua translator.
	ScriptDir string `mapstructure:"script_dir"`
	// InstructionLimit caps Lua opcodes per translation. 0 uses the default.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// BacklogConfig holds event backlog settings.
type BacklogConfig struct {
	// MaxEvents bounds the in-memory backlog. 0 means unbounded.
	MaxEvents int `mapstructure:"max_events"`
	// SinkBuffer is the number of events queued for persistence before drops.
	SinkBuffer int `mapstructure:"sink_buffer"`
	// Persist enables the PostgreSQL sink.
	Persist bool `mapstructure:"persist"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File, when set, receives log output in addition to stderr.
	File string `mapstructure:"file"`
}

// Config is the top-level application configuration.
type Config struct {
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Source     SourceConfig     `mapstructure:"source"`
	Translator TranslatorConfig `mapstructure:"translator"`
	Backlog    BacklogConfig    `mapstructure:"backlog"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateBroadcast(c.Broadcast); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSource(c.Source); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTranslator(c.Translator); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateBacklog(c.Backlog); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Backlog.Persist {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBroadcast(b BroadcastConfig) error {
	var errs []string
	if b.Host == "" {
		errs = append(errs, "broadcast.host must not be empty")
	}
	if b.Port < 0 || b.Port > 65535 {
		errs = append(errs, fmt.Sprintf("broadcast.port must be 0-65535, got %d", b.Port))
	}
	if b.WriteTimeout < 0 {
		errs = append(errs, "broadcast.write_timeout must not be negative")
	}
	if b.PruneInterval <= 0 {
		errs = append(errs, "broadcast.prune_interval must be positive")
	}
	if b.MaxClients < 0 {
		errs = append(errs, fmt.Sprintf("broadcast.max_clients must be >= 0, got %d", b.MaxClients))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSource(s SourceConfig) error {
	switch s.Kind {
	case SourceJournal:
		var errs []string
		if s.Journal.Dir == "" {
			errs = append(errs, "source.journal.dir must not be empty")
		}
		if s.Journal.PollInterval <= 0 {
			errs = append(errs, "source.journal.poll_interval must be positive")
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
	case SourceNATS:
		var errs []string
		if s.NATS.URL == "" {
			errs = append(errs, "source.nats.url must not be empty")
		}
		if s.NATS.Subject == "" {
			errs = append(errs, "source.nats.subject must not be empty")
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
	default:
		return fmt.Errorf("source.kind must be one of [journal, nats], got %q", s.Kind)
	}
	return nil
}

func validateTranslator(t TranslatorConfig) error {
	switch t.Kind {
	case TranslatorFlatten:
	case TranslatorLua:
		if t.ScriptDir == "" {
			return fmt.Errorf("translator.script_dir must not be empty for kind %q", t.Kind)
		}
	default:
		return fmt.Errorf("translator.kind must be one of [flatten, lua], got %q", t.Kind)
	}
	if t.InstructionLimit < 0 {
		return fmt.Errorf("translator.instruction_limit must be >= 0, got %d", t.InstructionLimit)
	}
	return nil
}

func validateBacklog(b BacklogConfig) error {
	var errs []string
	if b.MaxEvents < 0 {
		errs = append(errs, fmt.Sprintf("backlog.max_events must be >= 0, got %d", b.MaxEvents))
	}
	if b.SinkBuffer < 1 {
		errs = append(errs, fmt.Sprintf("backlog.sink_buffer must be >= 1, got %d", b.SinkBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with ELITECAST_ prefix
	v.SetEnvPrefix("ELITECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers the default value for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broadcast.host", "127.0.0.1")
	v.SetDefault("broadcast.port", 12345)
	v.SetDefault("broadcast.write_timeout", "5s")
	v.SetDefault("broadcast.prune_interval", "30s")
	v.SetDefault("broadcast.max_clients", 0)

	v.SetDefault("source.kind", SourceJournal)
	v.SetDefault("source.journal.dir", "journal")
	v.SetDefault("source.journal.poll_interval", "250ms")
	v.SetDefault("source.journal.from_start", false)
	v.SetDefault("source.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("source.nats.subject", "elite.events")

	v.SetDefault("translator.kind", TranslatorFlatten)
	v.SetDefault("translator.instruction_limit", 0)

	v.SetDefault("backlog.max_events", 0)
	v.SetDefault("backlog.sink_buffer", 1024)
	v.SetDefault("backlog.persist", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "elitecast")
	v.SetDefault("database.password", "elitecast")
	v.SetDefault("database.name", "elitecast")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}
