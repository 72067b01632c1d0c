// Package settings persists user preferences that can be changed at
// runtime through the API or the tray.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting  bool   `json:"crashReporting"`            // Whether to send crash reports to Sentry
	PreferredReader string `json:"preferredReader,omitempty"` // Reader name (or substring) to watch
}

var (
	current *Settings
	mu      sync.RWMutex
	// pathOverride replaces the per-user location; set by --settings.
	pathOverride string
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
	}
}

// SetPath makes Load and Save use path instead of the user config
// directory. An empty path restores the default.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOverride = path
	current = nil
}

// Path returns the settings file location.
func Path() (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	return settingsPath()
}

func settingsPath() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "mifare-agent", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if file doesn't exist.
func Load() (Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	current = DefaultSettings()
	path, err := settingsPath()
	if err != nil {
		return *current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return *current, nil
		}
		return *current, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return *current, err
	}
	current = &s
	return s, nil
}

// save writes current to disk. Callers hold mu.
func save() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return *current
	}
	mu.RUnlock()

	s, _ := Load()
	return s
}

// Update applies fn to the current settings and saves them.
func Update(fn func(*Settings)) error {
	Get() // load from disk before overwriting
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	fn(current)
	return save()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return Update(func(s *Settings) { s.CrashReporting = enabled })
}

// SetPreferredReader updates the reader preference and saves.
func SetPreferredReader(name string) error {
	return Update(func(s *Settings) { s.PreferredReader = name })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}
