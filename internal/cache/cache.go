package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Store is a content-addressed cache of LLM responses, one file per prompt.
// The key hashes the prompt text only; tile images are deliberately excluded,
// so two visually different pages with the same prompt share an entry.
type Store struct {
	dir     string
	enabled bool
	logger  zerolog.Logger
}

type entry struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

func New(dir string, enabled bool, logger zerolog.Logger) *Store {
	return &Store{dir: dir, enabled: enabled, logger: logger}
}

// Key returns the cache key for a prompt, or "" when the cache is disabled.
func (s *Store) Key(prompt string) string {
	if !s.enabled {
		return ""
	}
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Write stores the response under the prompt's key, replacing any previous
// file wholesale. Returns the key.
func (s *Store) Write(prompt, response string) (string, error) {
	if !s.enabled {
		return "", nil
	}
	key := s.Key(prompt)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("cache dir: %w", err)
	}
	data, err := json.Marshal(entry{Prompt: prompt, Response: response})
	if err != nil {
		return "", fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := os.WriteFile(s.path(key), data, 0o644); err != nil {
		return "", fmt.Errorf("write cache entry: %w", err)
	}
	s.logger.Debug().Str("key", key).Msg("cache write")
	return key, nil
}

// Read returns the cached response for a prompt. A missing or corrupt file
// is a miss, never an error.
func (s *Store) Read(prompt string) (string, bool) {
	if !s.enabled {
		return "", false
	}
	key := s.Key(prompt)
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn().Str("key", key).Err(err).Msg("corrupt cache entry, treating as miss")
		return "", false
	}
	s.logger.Debug().Str("key", key).Msg("cache hit")
	return e.Response, true
}

// Remove deletes the entry for a key. No-op on a missing file or when the
// cache is disabled.
func (s *Store) Remove(key string) {
	if !s.enabled || key == "" {
		return
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Str("key", key).Err(err).Msg("cache remove failed")
		return
	}
	s.logger.Debug().Str("key", key).Msg("cache entry invalidated")
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".txt")
}
