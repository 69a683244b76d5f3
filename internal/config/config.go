// Package config resolves the application directories and the persisted
// settings file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const appDirName = "drover"

// GetAppDir returns the root config directory (~/.config/drover by default).
// DROVER_HOME overrides it, which tests use to isolate state.
func GetAppDir() string {
	if dir := os.Getenv("DROVER_HOME"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appDirName)
}

// GetStateDir returns where the database and lock files live.
func GetStateDir() string {
	return filepath.Join(GetAppDir(), "state")
}

// GetLogsDir returns the log directory.
func GetLogsDir() string {
	return filepath.Join(GetAppDir(), "logs")
}

// GetCacheDir returns the engine-owned partial/cache download directory.
func GetCacheDir() string {
	return filepath.Join(GetAppDir(), "cache")
}

// EnsureDirs creates the app directories if missing.
func EnsureDirs() error {
	for _, dir := range []string{GetAppDir(), GetStateDir(), GetLogsDir(), GetCacheDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Settings is the persisted user configuration.
type Settings struct {
	General struct {
		DefaultDownloadDir string `json:"default_download_dir"`
		MaxConcurrent      int    `json:"max_concurrent"`
		UserAgent          string `json:"user_agent"`
		BandwidthLimit     int64  `json:"bandwidth_limit"` // bytes/sec, 0 = unlimited
	} `json:"general"`
	Network struct {
		// Metered and Roaming declare the connection's nature; there is no
		// portable probe for either, so the operator states them.
		Metered                    bool  `json:"metered"`
		Roaming                    bool  `json:"roaming"`
		MaxBytesOverMobile         int64 `json:"max_bytes_over_mobile"`
		RecommendedBytesOverMobile int64 `json:"recommended_bytes_over_mobile"`
	} `json:"network"`
	API struct {
		Port int `json:"port"`
	} `json:"api"`
}

// DefaultSettings returns the baked-in defaults.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.General.MaxConcurrent = 3
	s.General.UserAgent = DefaultUserAgent
	s.API.Port = 8737
	return s
}

// DefaultUserAgent is sent when a request carries no user agent of its own.
const DefaultUserAgent = "Drover/1.0"

func settingsPath() string {
	return filepath.Join(GetAppDir(), "settings.json")
}

// LoadSettings reads settings.json, falling back to defaults when absent.
func LoadSettings() (*Settings, error) {
	data, err := os.ReadFile(settingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}
	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveSettings writes settings.json.
func SaveSettings(s *Settings) error {
	if err := EnsureDirs(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath(), data, 0644)
}
