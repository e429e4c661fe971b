package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader reads configuration from file and environment. Environment
// variables use the TALLYSYNC_ prefix with underscores for nesting, e.g.
// TALLYSYNC_SYNC_WORKERS=8.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader. An empty configPath searches the
// default locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "TALLYSYNC",
	}
}

// Load reads configuration, applying defaults, file values, then environment
// overrides, and validates the result.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.configPath, err)
		}
	} else {
		v.SetConfigName("tallysync")
		for _, dir := range l.defaultPaths() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
			// No file is fine; defaults plus env apply.
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file search directories.
func (l *Loader) defaultPaths() []string {
	paths := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "tallysync"),
			filepath.Join(homeDir, ".tallysync"),
		)
	}

	return paths
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.db_file", d.Store.DBFile)

	v.SetDefault("tally.http_host", d.Tally.HTTPHost)
	v.SetDefault("tally.http_port", d.Tally.HTTPPort)
	v.SetDefault("tally.tcp_host", d.Tally.TCPHost)
	v.SetDefault("tally.tcp_port", d.Tally.TCPPort)
	v.SetDefault("tally.timeout", d.Tally.Timeout)

	v.SetDefault("agent.heartbeat_interval", d.Agent.HeartbeatInterval)
	v.SetDefault("agent.warning_missed", d.Agent.WarningMissed)
	v.SetDefault("agent.unhealthy_missed", d.Agent.UnhealthyMissed)
	v.SetDefault("agent.disconnected_missed", d.Agent.DisconnectedMissed)
	v.SetDefault("agent.queue_size", d.Agent.QueueSize)
	v.SetDefault("agent.request_timeout", d.Agent.RequestTimeout)

	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.base_delay", d.Sync.BaseDelay)
	v.SetDefault("sync.backoff_cap", d.Sync.BackoffCap)
	v.SetDefault("sync.stale_claim", d.Sync.StaleClaim)
	v.SetDefault("sync.retention", d.Sync.Retention)
	v.SetDefault("sync.cycle_batch_size", d.Sync.CycleBatchSize)

	v.SetDefault("source.base_url", d.Source.BaseURL)
	v.SetDefault("source.token", d.Source.Token)
	v.SetDefault("source.timeout", d.Source.Timeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
}
