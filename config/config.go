package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "courier"
	// DefaultEditWindowMinutes bounds how long after creation a text message may be edited.
	DefaultEditWindowMinutes = 15
	// DefaultDeleteWindowMinutes bounds how long delete-for-everyone stays available.
	DefaultDeleteWindowMinutes = 60
	// DefaultMediaRetentionHours is how long relay-held media survives before eviction.
	DefaultMediaRetentionHours = 24
	// DefaultEvictionIntervalMinutes is the eviction job wake-up period.
	DefaultEvictionIntervalMinutes = 60
	// DefaultRelayTTLDays is the relay-side row time-to-live.
	DefaultRelayTTLDays = 30
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local-device settings.
type ClientConfig struct {
	DeviceID                string `json:"device_id"`
	DeviceName              string `json:"device_name"`
	MasterKeyPath           string `json:"master_key_path"`
	EditWindowMinutes       int    `json:"edit_window_minutes"`
	DeleteWindowMinutes     int    `json:"delete_window_minutes"`
	MediaRetentionHours     int    `json:"media_retention_hours"`
	EvictionIntervalMinutes int    `json:"eviction_interval_minutes"`
	RelayTTLDays            int    `json:"relay_ttl_days"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If COURIER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("COURIER_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
		filepath.Join(dataDir, "metadata"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	deviceName := "Courier Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &ClientConfig{
		DeviceID:                uuid.NewString(),
		DeviceName:              deviceName,
		MasterKeyPath:           filepath.Join(dataDir, "keys", "master.key"),
		EditWindowMinutes:       DefaultEditWindowMinutes,
		DeleteWindowMinutes:     DefaultDeleteWindowMinutes,
		MediaRetentionHours:     DefaultMediaRetentionHours,
		EvictionIntervalMinutes: DefaultEvictionIntervalMinutes,
		RelayTTLDays:            DefaultRelayTTLDays,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "Courier Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.MasterKeyPath == "" {
		cfg.MasterKeyPath = filepath.Join(dataDir, "keys", "master.key")
		updated = true
	}

	if cfg.EditWindowMinutes <= 0 {
		cfg.EditWindowMinutes = DefaultEditWindowMinutes
		updated = true
	}

	if cfg.DeleteWindowMinutes <= 0 {
		cfg.DeleteWindowMinutes = DefaultDeleteWindowMinutes
		updated = true
	}

	if cfg.MediaRetentionHours <= 0 {
		cfg.MediaRetentionHours = DefaultMediaRetentionHours
		updated = true
	}

	if cfg.EvictionIntervalMinutes <= 0 {
		cfg.EvictionIntervalMinutes = DefaultEvictionIntervalMinutes
		updated = true
	}

	if cfg.RelayTTLDays <= 0 {
		cfg.RelayTTLDays = DefaultRelayTTLDays
		updated = true
	}

	return updated
}
