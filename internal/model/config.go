package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// RemoteConfig tunes the buffered remote file layer used by mbox+ssh stores.
type RemoteConfig struct {
	// ReasonableTransferSize is the minimum chunk fetched when the window
	// is extended towards a nearby offset.
	ReasonableTransferSize int64 `mapstructure:"reasonable_transfer_size" yaml:"reasonable_transfer_size"`

	// MaxTransferSize is the hard ceiling on a single round trip.
	MaxTransferSize int64 `mapstructure:"max_transfer_size" yaml:"max_transfer_size"`

	// MaxBufferSize is the largest window retained in memory.
	MaxBufferSize int64 `mapstructure:"max_buffer_size" yaml:"max_buffer_size"`

	// SizeCheckIntervalSec is how long a remote size is trusted.
	SizeCheckIntervalSec int `mapstructure:"size_check_interval_sec" yaml:"size_check_interval_sec"`

	// MaxRetries bounds retries of transient transport faults.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// SizeCheckInterval returns SizeCheckIntervalSec as a duration.
func (c RemoteConfig) SizeCheckInterval() time.Duration {
	return time.Duration(c.SizeCheckIntervalSec) * time.Second
}

// StoreConfig is the YAML representation of a store used for imports.
// Type may carry a legacy tag; see NormalizeStoreKind.
type StoreConfig struct {
	Type     string   `mapstructure:"type" yaml:"type"`
	URI      string   `mapstructure:"uri" yaml:"uri"`
	Usual    *bool    `mapstructure:"usual" yaml:"usual,omitempty"`
	Archived bool     `mapstructure:"archived" yaml:"archived"`
	SyncBack bool     `mapstructure:"sync_back" yaml:"sync_back"`
	Labels   []string `mapstructure:"labels" yaml:"labels"`
	Cursor   string   `mapstructure:"cursor" yaml:"cursor"`
	ID       int64    `mapstructure:"id" yaml:"id"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DataDir         string        `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	PollIntervalSec int           `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	Remote          RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Stores          []StoreConfig `mapstructure:"stores" yaml:"stores"`
}

// PollInterval returns PollIntervalSec as a duration.
func (c *AppConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// DatabasePath is the SQLite file holding entries and the store registry.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "mailsync.db")
}

// SearchIndexPath is the directory of the bleve full-text index.
func (c *AppConfig) SearchIndexPath() string {
	return filepath.Join(c.DataDir, "search.bleve")
}

// LogPath is where the watch view sends its log output.
func (c *AppConfig) LogPath() string {
	return filepath.Join(c.DataDir, "mailsync.log")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mailsync")
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

// DefaultRemoteConfig returns the transfer tuning used when none is configured.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		ReasonableTransferSize: 64 * 1024,
		MaxTransferSize:        128 * 1024,
		MaxBufferSize:          1024 * 1024,
		SizeCheckIntervalSec:   60,
		MaxRetries:             3,
	}
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DataDir:         defaultDataDir(),
		LogLevel:        "info",
		PollIntervalSec: 300,
		Concurrency:     4,
		Remote:          DefaultRemoteConfig(),
		Stores:          []StoreConfig{},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.AutomaticEnv()

	def := defaultAppConfig()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("poll_interval_sec", def.PollIntervalSec)
	v.SetDefault("concurrency", def.Concurrency)
	v.SetDefault("remote.reasonable_transfer_size", def.Remote.ReasonableTransferSize)
	v.SetDefault("remote.max_transfer_size", def.Remote.MaxTransferSize)
	v.SetDefault("remote.max_buffer_size", def.Remote.MaxBufferSize)
	v.SetDefault("remote.size_check_interval_sec", def.Remote.SizeCheckIntervalSec)
	v.SetDefault("remote.max_retries", def.Remote.MaxRetries)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = def.PollIntervalSec
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("log_level", cfg.LogLevel)
	v.Set("poll_interval_sec", cfg.PollIntervalSec)
	v.Set("concurrency", cfg.Concurrency)
	v.Set("remote", cfg.Remote)
	v.Set("stores", cfg.Stores)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
