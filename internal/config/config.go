// Package config manages the cardsyncd server configuration.
// It handles loading and initializing the TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultConfigFile = "cardsyncd.toml"
	UsersDBFile       = "auth.db"
	SessionDBFile     = "session.db"
	CollectionFile    = "collection.anki2"
	MediaDir          = "collection.media"
	MediaDBFile       = "collection.media.server.db"
)

// Config represents the cardsyncd server configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DataRoot   string `toml:"data_root"` // per-user collection directories live here
	BaseURL    string `toml:"base_url"`  // advertised in /sync/meta hostNum derivation, optional

	LogLevel  string `toml:"log_level"`  // debug, info, warn, error
	LogFormat string `toml:"log_format"` // text or json

	// Limits. Zero means the default.
	MaxPayloadBytes      int64 `toml:"max_payload_bytes"`      // per-request uncompressed cap
	MaxCollectionBytes   int64 `toml:"max_collection_bytes"`   // above this a full sync is forced
	MaxMediaFileBytes    int64 `toml:"max_media_file_bytes"`   // individual media files above this are skipped
	SessionTimeoutSecs   int   `toml:"session_timeout_secs"`   // per-user sync lock wait
	RequestsPerMinute    int   `toml:"requests_per_minute"`    // per host key, 0 disables
	DownloadBatchFiles   int   `toml:"download_batch_files"`   // media files per download zip
	DownloadBatchBytes   int64 `toml:"download_batch_bytes"`   // media bytes per download zip
	ChangesBatchEntries  int   `toml:"changes_batch_entries"`  // media log entries per changes reply
	CollectionChunkRows  int   `toml:"collection_chunk_rows"`  // rows per collection sync chunk

	path string // path the config was loaded from
}

// Default returns a Config with every limit at its default value.
func Default() *Config {
	return &Config{
		ListenAddr:           ":27701",
		DataRoot:             "./collections",
		LogLevel:             "info",
		LogFormat:            "text",
		MaxPayloadBytes:      256 * 1024 * 1024,
		MaxCollectionBytes:   100 * 1024 * 1024,
		MaxMediaFileBytes:    100 * 1024 * 1024,
		SessionTimeoutSecs:   300,
		DownloadBatchFiles:   25,
		DownloadBatchBytes:   int64(2.5 * 1024 * 1024),
		ChangesBatchEntries:  250,
		CollectionChunkRows:  250,
	}
}

// Load reads the configuration from path. Missing limit fields fall back to
// their defaults so an older config file keeps working.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	cfg.path = path
	return cfg, nil
}

// Save writes the configuration to its path.
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(c.path, data, 0644)
}

// LoadOrDefault reads the config at path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.path = path
		return cfg, nil
	}
	return cfg, err
}

// Initialize writes a fresh default config file at path.
func Initialize(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("config file already exists at %s", path)
	}

	cfg := Default()
	cfg.path = path
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.DataRoot == "" {
		c.DataRoot = d.DataRoot
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.MaxCollectionBytes <= 0 {
		c.MaxCollectionBytes = d.MaxCollectionBytes
	}
	if c.MaxMediaFileBytes <= 0 {
		c.MaxMediaFileBytes = d.MaxMediaFileBytes
	}
	if c.SessionTimeoutSecs <= 0 {
		c.SessionTimeoutSecs = d.SessionTimeoutSecs
	}
	if c.DownloadBatchFiles <= 0 {
		c.DownloadBatchFiles = d.DownloadBatchFiles
	}
	if c.DownloadBatchBytes <= 0 {
		c.DownloadBatchBytes = d.DownloadBatchBytes
	}
	if c.ChangesBatchEntries <= 0 {
		c.ChangesBatchEntries = d.ChangesBatchEntries
	}
	if c.CollectionChunkRows <= 0 {
		c.CollectionChunkRows = d.CollectionChunkRows
	}
}

// UserDir returns the directory holding a user's collection and media.
func (c *Config) UserDir(username string) string {
	return filepath.Join(c.DataRoot, username)
}

// CollectionPath returns the path to a user's collection database.
func (c *Config) CollectionPath(username string) string {
	return filepath.Join(c.UserDir(username), CollectionFile)
}

// MediaDirPath returns the path to a user's media directory.
func (c *Config) MediaDirPath(username string) string {
	return filepath.Join(c.UserDir(username), MediaDir)
}

// MediaDBPath returns the path to a user's media sync database.
func (c *Config) MediaDBPath(username string) string {
	return filepath.Join(c.UserDir(username), MediaDBFile)
}

// UsersDBPath returns the path to the credential database.
func (c *Config) UsersDBPath() string {
	return filepath.Join(c.DataRoot, UsersDBFile)
}

// SessionDBPath returns the path to the session database.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataRoot, SessionDBFile)
}
