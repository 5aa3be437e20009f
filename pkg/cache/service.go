package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"Tapline/pkg/logger"
)

// Settings represents persistent agent settings
type Settings struct {
	LastDevice string           `json:"lastDevice"`
	LastActive map[string]int64 `json:"lastActive"`
}

// Service keeps small pieces of state across runs
type Service struct {
	configDir    string
	settingsPath string

	mu         sync.RWMutex
	lastDevice string
	lastActive map[string]int64
}

// Config for creating a new Service
type Config struct {
	ConfigDir string
}

// New creates a Service and loads persisted settings
func New(cfg Config) (*Service, error) {
	configDir := cfg.ConfigDir
	if configDir == "" {
		var err error
		configDir, err = os.UserConfigDir()
		if err != nil {
			configDir = os.TempDir()
		}
		configDir = filepath.Join(configDir, "Tapline")
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, err
	}

	s := &Service{
		configDir:    configDir,
		settingsPath: filepath.Join(configDir, "settings.json"),
		lastActive:   make(map[string]int64),
	}
	s.loadSettings()

	return s, nil
}

// LastDevice returns the serial of the most recently used device
func (s *Service) LastDevice() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDevice
}

// TouchDevice marks serial as the last used device at timestamp
func (s *Service) TouchDevice(serial string, timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDevice = serial
	s.lastActive[serial] = timestamp
}

// LastActive returns the last active timestamp for a device
func (s *Service) LastActive(serial string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive[serial]
}

// SaveSettings persists settings to disk
func (s *Service) SaveSettings() error {
	s.mu.RLock()
	settings := Settings{
		LastDevice: s.lastDevice,
		LastActive: make(map[string]int64, len(s.lastActive)),
	}
	for k, v := range s.lastActive {
		settings.LastActive[k] = v
	}
	s.mu.RUnlock()

	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	tmp := s.settingsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.settingsPath)
}

func (s *Service) loadSettings() {
	data, err := os.ReadFile(s.settingsPath)
	if err != nil {
		return
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		logger.LogWarn("cache").Err(err).Str("path", s.settingsPath).Msg("Ignoring unreadable settings")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDevice = settings.LastDevice
	if settings.LastActive != nil {
		s.lastActive = settings.LastActive
	}
}

// ConfigDir returns the configuration directory path
func (s *Service) ConfigDir() string {
	return s.configDir
}

// SettingsPath returns the settings file path
func (s *Service) SettingsPath() string {
	return s.settingsPath
}

// Close saves settings before shutdown
func (s *Service) Close() error {
	if err := s.SaveSettings(); err != nil {
		logger.LogWarn("cache").Err(err).Msg("Error saving settings on close")
		return err
	}
	return nil
}
