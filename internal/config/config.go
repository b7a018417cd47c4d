package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for zw.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Sync       SyncConfig       `toml:"sync"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DatabaseConfig represents configuration for the witness database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SyncConfig holds the reconciliation engine parameters.
type SyncConfig struct {
	// WindowHours is the consistency window W: both the significance
	// threshold and the recency cap for eligible snapshots.
	WindowHours int `toml:"window_hours"`
	// CheckpointSuffix marks canonical comparison snapshots (the once-daily
	// markers). A snapshot whose name ends with this suffix is a checkpoint.
	CheckpointSuffix          string  `toml:"checkpoint_suffix"`
	PassIntervalSeconds       int     `toml:"pass_interval_seconds"`
	HeartbeatTimeoutSeconds   int     `toml:"heartbeat_timeout_seconds"`
	SyncTimeoutMinutes        int     `toml:"sync_timeout_minutes"`
	DegradedAfterFailures     int     `toml:"degraded_after_failures"`
	SizeMismatchRatio         float64 `toml:"size_mismatch_ratio"`
	TimestampToleranceSeconds int     `toml:"timestamp_tolerance_seconds"`
}

// ArchiveConfig represents configuration for the witness DB archive backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// EveryPasses uploads a DB archive after this many successful passes.
	// Zero disables automatic archiving.
	EveryPasses int `toml:"every_passes"`

	// S3-specific fields (only used when Type == "s3"). Prefer the default
	// AWS credential chain; the static key fields are for S3-compatible
	// services that have no other option.
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSArchiveRoot string `toml:"fs_archive_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt archives.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age", "test", or "none" (default)
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a new Config with the provided base directory and defaults.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Sync: SyncConfig{
			WindowHours:               72,
			CheckpointSuffix:          "-000000",
			PassIntervalSeconds:       300,
			HeartbeatTimeoutSeconds:   300,
			SyncTimeoutMinutes:        60,
			DegradedAfterFailures:     3,
			SizeMismatchRatio:         0.1,
			TimestampToleranceSeconds: 2,
		},
		Archive: ArchiveConfig{
			Type:          "filesystem",
			Name:          "default",
			EveryPasses:   10,
			FSArchiveRoot: filepath.Join(baseDir, "archive"),
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "zw.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "zw.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
