// Package prefs persists user preferences as a JSON file in the user
// data directory. Preferences are always replaced wholesale: the settings
// form submits a complete document, it is validated, written atomically
// and only then swapped in. There are no partial updates.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Preferences are the user-tunable settings of the sender.
type Preferences struct {
	// Jitter window in milliseconds between consecutive sends,
	// half-open: a delay is drawn uniformly from [Min, Max).
	SendDelayMinMS int `json:"send_delay_min_ms"`
	SendDelayMaxMS int `json:"send_delay_max_ms"`

	// PhoneColumn names the spreadsheet column holding phone numbers.
	PhoneColumn string `json:"phone_column_name"`

	// PrependCountryPrefix enables the country-code rules for national
	// numbers.
	PrependCountryPrefix bool `json:"prepend_country_prefix"`
}

// Default returns the preferences written on first run.
func Default() Preferences {
	return Preferences{
		SendDelayMinMS:       0,
		SendDelayMaxMS:       1000,
		PhoneColumn:          "telf",
		PrependCountryPrefix: true,
	}
}

// Validate checks the invariants the rest of the application relies on.
func (p Preferences) Validate() error {
	var errs []error
	if p.SendDelayMinMS < 0 {
		errs = append(errs, fmt.Errorf("send_delay_min_ms must be >= 0, got %d", p.SendDelayMinMS))
	}
	if p.SendDelayMaxMS <= p.SendDelayMinMS {
		errs = append(errs, fmt.Errorf("send_delay_max_ms must be greater than send_delay_min_ms (%d <= %d)", p.SendDelayMaxMS, p.SendDelayMinMS))
	}
	if strings.TrimSpace(p.PhoneColumn) == "" {
		errs = append(errs, errors.New("phone_column_name must not be empty"))
	}
	return errors.Join(errs...)
}

// Store owns the preferences file.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cur Preferences
}

// NewStore creates a store for the given file path. Call Load before use.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger, cur: Default()}
}

// Load reads the preferences file. A missing file is not an error: the
// defaults are written out and used.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("preferences file missing, writing defaults", "path", s.path)
		return s.Replace(Default())
	}
	if err != nil {
		return fmt.Errorf("failed to read preferences: %w", err)
	}

	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to parse preferences %s: %w", s.path, err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid preferences %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.cur = p
	s.mu.Unlock()
	return nil
}

// Current returns the preferences in effect.
func (s *Store) Current() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Replace validates p, persists it and makes it current. On any failure
// the previous preferences stay in effect.
func (s *Store) Replace(p Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create preferences directory: %w", err)
		}
	}

	// Write-then-rename so a crash never leaves a truncated file behind.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace preferences file: %w", err)
	}

	s.mu.Lock()
	s.cur = p
	s.mu.Unlock()
	return nil
}
