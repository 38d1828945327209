package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/noahxzhu/medication-reminder/internal/model"
)

type SettingsStore struct {
	mu       sync.RWMutex
	blob     Blob
	settings model.Settings
}

func NewSettingsStore(blob Blob) *SettingsStore {
	return &SettingsStore{blob: blob}
}

// Load reads persisted settings. Values already present in defaults win over empty fields.
func (s *SettingsStore) Load(defaults model.Settings) error {
	raw, ok, err := s.blob.Get(KeySettings)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	loaded := model.Settings{}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &loaded); err != nil {
			return fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	if loaded.PushoverToken == "" {
		loaded.PushoverToken = defaults.PushoverToken
	}
	if loaded.PushoverUser == "" {
		loaded.PushoverUser = defaults.PushoverUser
	}
	if loaded.Password == "" {
		loaded.Password = defaults.Password
	}

	s.mu.Lock()
	s.settings = loaded
	s.mu.Unlock()
	return nil
}

func (s *SettingsStore) Get() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *SettingsStore) Update(settings model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.blob.Set(KeySettings, data); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	s.settings = settings
	return nil
}
