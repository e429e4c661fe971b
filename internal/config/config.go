package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds all engine configuration.
type Config struct {
	// Control surface HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Persistence
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Direct Tally endpoints (HTTP and TCP adapters)
	Tally TallyConfig `json:"tally" mapstructure:"tally"`

	// Desktop agent channels
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Sync orchestration
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Entity store REST endpoints the engine reads snapshots from
	Source SourceConfig `json:"source" mapstructure:"source"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// ServerConfig for the control surface listener.
type ServerConfig struct {
	ListenAddr      string        `json:"listen_addr" mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StoreConfig for the record store.
type StoreConfig struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	DBFile  string `json:"db_file" mapstructure:"db_file"`
}

// Path returns the full database path.
func (s StoreConfig) Path() string {
	return filepath.Join(s.DataDir, s.DBFile)
}

// TallyConfig for direct connections to a Tally instance.
type TallyConfig struct {
	HTTPHost string        `json:"http_host" mapstructure:"http_host"`
	HTTPPort int           `json:"http_port" mapstructure:"http_port"`
	TCPHost  string        `json:"tcp_host" mapstructure:"tcp_host"`
	TCPPort  int           `json:"tcp_port" mapstructure:"tcp_port"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// AgentConfig for the agent channel layer.
type AgentConfig struct {
	HeartbeatInterval  time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	WarningMissed      int           `json:"warning_missed" mapstructure:"warning_missed"`
	UnhealthyMissed    int           `json:"unhealthy_missed" mapstructure:"unhealthy_missed"`
	DisconnectedMissed int           `json:"disconnected_missed" mapstructure:"disconnected_missed"`
	QueueSize          int           `json:"queue_size" mapstructure:"queue_size"`
	RequestTimeout     time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
}

// SyncConfig for the orchestrator.
type SyncConfig struct {
	Workers        int           `json:"workers" mapstructure:"workers"`
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay      time.Duration `json:"base_delay" mapstructure:"base_delay"`
	BackoffCap     time.Duration `json:"backoff_cap" mapstructure:"backoff_cap"`
	StaleClaim     time.Duration `json:"stale_claim" mapstructure:"stale_claim"`
	Retention      time.Duration `json:"retention" mapstructure:"retention"`
	CycleBatchSize int           `json:"cycle_batch_size" mapstructure:"cycle_batch_size"`
}

// SourceConfig for the ERP entity endpoints. The engine never owns entity
// state; it reads and writes snapshots through this service.
type SourceConfig struct {
	BaseURL string        `json:"base_url" mapstructure:"base_url"`
	Token   string        `json:"token" mapstructure:"token"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // empty = stdout
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // MB per file
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // days
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".tallysync"

	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8843",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DataDir: dataDir,
			DBFile:  "tallysync.db",
		},
		Tally: TallyConfig{
			HTTPHost: "localhost",
			HTTPPort: 9000,
			TCPHost:  "localhost",
			TCPPort:  9001,
			Timeout:  30 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval:  15 * time.Second,
			WarningMissed:      2,
			UnhealthyMissed:    4,
			DisconnectedMissed: 8,
			QueueSize:          200,
			RequestTimeout:     45 * time.Second,
		},
		Sync: SyncConfig{
			Workers:        4,
			MaxAttempts:    3,
			BaseDelay:      30 * time.Second,
			BackoffCap:     15 * time.Minute,
			StaleClaim:     5 * time.Minute,
			Retention:      30 * 24 * time.Hour,
			CycleBatchSize: 50,
		},
		Source: SourceConfig{
			BaseURL: "http://localhost:8080/api/v1",
			Timeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}

	if c.Store.DBFile == "" {
		return errors.New("store.db_file is required")
	}

	if c.Tally.Timeout <= 0 {
		return errors.New("tally.timeout must be positive")
	}

	if c.Tally.HTTPPort <= 0 || c.Tally.HTTPPort > 65535 {
		return fmt.Errorf("tally.http_port out of range: %d", c.Tally.HTTPPort)
	}

	if c.Agent.HeartbeatInterval <= 0 {
		return errors.New("agent.heartbeat_interval must be positive")
	}

	if !(c.Agent.WarningMissed < c.Agent.UnhealthyMissed &&
		c.Agent.UnhealthyMissed < c.Agent.DisconnectedMissed) {
		return errors.New("agent health thresholds must be strictly increasing")
	}

	if c.Agent.QueueSize <= 0 {
		return errors.New("agent.queue_size must be positive")
	}

	if c.Sync.Workers <= 0 {
		return errors.New("sync.workers must be positive")
	}

	if c.Sync.MaxAttempts <= 0 {
		return errors.New("sync.max_attempts must be positive")
	}

	if c.Sync.BaseDelay <= 0 || c.Sync.BackoffCap < c.Sync.BaseDelay {
		return errors.New("sync.base_delay must be positive and below sync.backoff_cap")
	}

	if c.Source.BaseURL == "" {
		return errors.New("source.base_url is required")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}
