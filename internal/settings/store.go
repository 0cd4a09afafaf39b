// Package settings persists the operator-editable bridge configuration.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every decode failure of a settings file.
var ErrInvalid = errors.New("invalid settings file")

// BridgeConfig is the mutable relay binding. Empty strings mean "not set".
type BridgeConfig struct {
	DestinationChannelID string `yaml:"destination_channel_id"`
	SourceChat           string `yaml:"source_chat"`
	CommunityName        string `yaml:"community_name,omitempty"`
	AdminOnly            bool   `yaml:"admin_only,omitempty"`
}

// Merge overlays non-empty fields of other on top of c.
func (c BridgeConfig) Merge(other BridgeConfig) BridgeConfig {
	if other.DestinationChannelID != "" {
		c.DestinationChannelID = other.DestinationChannelID
	}
	if other.SourceChat != "" {
		c.SourceChat = other.SourceChat
	}
	if other.CommunityName != "" {
		c.CommunityName = other.CommunityName
	}
	if other.AdminOnly {
		c.AdminOnly = true
	}
	return c
}

// Store reads and rewrites a YAML settings file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store backed by path. The file does not need to exist.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns defaults overlaid with the file contents. A missing file yields defaults.
func (s *Store) Load(defaults BridgeConfig) (BridgeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("read settings: %w", err)
	}

	saved, err := Decode(bytes.NewReader(data))
	if err != nil {
		return defaults, err
	}
	return defaults.Merge(saved), nil
}

// Save writes cfg atomically (temp file + rename).
func (s *Store) Save(cfg BridgeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// Decode parses a settings document, rejecting unknown keys.
func Decode(r io.Reader) (BridgeConfig, error) {
	var cfg BridgeConfig

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}
