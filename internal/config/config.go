package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config doubles as the on-disk settings file and the payload of the
// get_settings / update_settings actions.
type Config struct {
	MaxHistoryItems int `json:"max_history_items"`
	MaxItemSize     int `json:"max_item_size_bytes"`

	ThumbnailMaxEdge int `json:"thumbnail_max_edge_px"`
	ThumbnailWorkers int `json:"thumbnail_workers"`

	MonitorInterval int `json:"monitor_interval_ms"`

	SocketPath string `json:"socket_path"`
}

func Default() *Config {
	return &Config{
		MaxHistoryItems: 1000,
		MaxItemSize:     10 * 1024 * 1024, // 10MB

		ThumbnailMaxEdge: 250,
		ThumbnailWorkers: 2,

		MonitorInterval: 500,

		SocketPath: defaultSocketPath(),
	}
}

func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return default config if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Validate()

	return config, nil
}

func (c *Config) Save(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate clamps out-of-range fields back to their defaults. Applied both
// to the loaded file and to update_settings payloads.
func (c *Config) Validate() {
	def := Default()
	if c.MaxHistoryItems <= 0 {
		c.MaxHistoryItems = def.MaxHistoryItems
	}
	if c.MaxItemSize <= 0 {
		c.MaxItemSize = def.MaxItemSize
	}
	if c.ThumbnailMaxEdge <= 0 {
		c.ThumbnailMaxEdge = def.ThumbnailMaxEdge
	}
	if c.ThumbnailWorkers <= 0 {
		c.ThumbnailWorkers = def.ThumbnailWorkers
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.SocketPath == "" {
		c.SocketPath = def.SocketPath
	}
}

// Clone returns a copy so settings can be handed across goroutines safely.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// DataDir returns the directory holding the store, index and settings files.
func DataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	dir := filepath.Join(base, "clipvault")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

func defaultSocketPath() string {
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		return filepath.Join(runtime, "clipvault.sock")
	}
	return filepath.Join(os.TempDir(), "clipvault.sock")
}
