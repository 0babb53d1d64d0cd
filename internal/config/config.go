// Package config is a sectioned key-value store persisted as YAML.
//
// Every Set flushes the whole file. Values are strings; typed accessors
// fall back to the supplied default when a key is missing or malformed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Section names
const (
	SectionSettings = "Settings"
	SectionApplied  = "AppliedSettings"
	SectionUI       = "UI"
)

// DefaultPath returns ~/.config/<app>/config.yaml
func DefaultPath(app string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, app, "config.yaml"), nil
}

// Store holds the sections in memory and mirrors them to path
type Store struct {
	path   string
	logger logrus.FieldLogger

	mu       sync.RWMutex
	sections map[string]map[string]string
}

// Open loads path, creating the directory and an empty file when missing
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	s := &Store{
		path:     path,
		logger:   logger,
		sections: make(map[string]map[string]string),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("No configuration file found, creating a new one.")
		if err := s.flush(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.sections); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if s.sections == nil {
		s.sections = make(map[string]map[string]string)
	}
	return s, nil
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// Get returns the value or def when the key is missing
func (s *Store) Get(section, key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.sections[section][key]; ok {
		return v
	}
	return def
}

// Has reports whether the key exists
func (s *Store) Has(section, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sections[section][key]
	return ok
}

// Set stores one value and flushes
func (s *Store) Set(section, key, value string) error {
	return s.SetMany(section, map[string]string{key: value})
}

// SetMany stores several values of one section with a single flush
func (s *Store) SetMany(section string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.sections[section]
	if !ok {
		sec = make(map[string]string)
		s.sections[section] = sec
	}
	for k, v := range values {
		sec[k] = v
	}
	return s.flush()
}

// ReplaceSection swaps a whole section and flushes
func (s *Store) ReplaceSection(section string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := make(map[string]string, len(values))
	for k, v := range values {
		sec[k] = v
	}
	s.sections[section] = sec
	return s.flush()
}

// Section returns a copy of one section
func (s *Store) Section(section string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.sections[section]))
	for k, v := range s.sections[section] {
		out[k] = v
	}
	return out
}

// Float parses a float value
func (s *Store) Float(section, key string, def float64) float64 {
	raw := s.Get(section, key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.logger.Warnf("Invalid number for %s.%s: %q", section, key, raw)
		return def
	}
	return v
}

// Int parses an integer value
func (s *Store) Int(section, key string, def int) int {
	raw := s.Get(section, key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warnf("Invalid integer for %s.%s: %q", section, key, raw)
		return def
	}
	return v
}

// Bool parses True/False style values
func (s *Store) Bool(section, key string, def bool) bool {
	raw := s.Get(section, key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		s.logger.Warnf("Invalid boolean for %s.%s: %q", section, key, raw)
		return def
	}
	return v
}

// flush writes all sections; callers hold mu
func (s *Store) flush() error {
	data, err := yaml.Marshal(s.sections)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	s.logger.Debug("Configuration saved successfully.")
	return nil
}
