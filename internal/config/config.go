package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.msync/config.toml.
type Config struct {
	DefaultProfile string           `toml:"default_profile"`
	Server         ServerConfig     `toml:"server"`
	Connection     ConnectionConfig `toml:"connection"`
	Realtime       RealtimeConfig   `toml:"realtime"`
	Sync           SyncConfig       `toml:"sync"`
	Netwatch       NetwatchConfig   `toml:"netwatch"`
	Metrics        MetricsConfig    `toml:"metrics"`
	Events         EventsConfig     `toml:"events"`
}

// ServerConfig points at the messaging backend.
type ServerConfig struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
}

// ConnectionConfig tunes the connection state machine.
type ConnectionConfig struct {
	BackoffBase      Duration `toml:"backoff_base"`
	BackoffCap       Duration `toml:"backoff_cap"`
	MaxAttempts      int      `toml:"max_attempts"`
	ProbeTimeout     Duration `toml:"probe_timeout"`
	ProbeMinInterval Duration `toml:"probe_min_interval"`
	StabilizeDelay   Duration `toml:"stabilize_delay"`
}

// RealtimeConfig tunes the websocket transport.
type RealtimeConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	WriteTimeout      Duration `toml:"write_timeout"`
}

// SyncConfig tunes queue replay and reconciliation.
type SyncConfig struct {
	RetryCap          int      `toml:"retry_cap"`
	ReconcileInterval Duration `toml:"reconcile_interval"`
	PageSize          int      `toml:"page_size"`
	TypingTTL         Duration `toml:"typing_ttl"`
	EchoWindow        Duration `toml:"echo_window"`
}

// NetwatchConfig tunes the reachability watcher.
type NetwatchConfig struct {
	Interval    Duration `toml:"interval"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// MetricsConfig enables the prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// EventsConfig enables AMQP delivery events when AMQPURL is set.
type EventsConfig struct {
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a config with every tunable set.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			BackoffBase:      D(2 * time.Second),
			BackoffCap:       D(30 * time.Second),
			MaxAttempts:      5,
			ProbeTimeout:     D(5 * time.Second),
			ProbeMinInterval: D(3 * time.Second),
			StabilizeDelay:   D(1500 * time.Millisecond),
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: D(30 * time.Second),
			WriteTimeout:      D(10 * time.Second),
		},
		Sync: SyncConfig{
			RetryCap:          3,
			ReconcileInterval: D(30 * time.Second),
			PageSize:          50,
			TypingTTL:         D(3 * time.Second),
			EchoWindow:        D(10 * time.Second),
		},
		Netwatch: NetwatchConfig{
			Interval:    D(10 * time.Second),
			DialTimeout: D(3 * time.Second),
		},
		Events: EventsConfig{
			Exchange: "msync.events",
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
