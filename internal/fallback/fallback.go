// Package fallback is the last-resort single-slot store used when the
// local database cannot take a write. It holds exactly one record, the
// most recent one that could not be saved anywhere else.
package fallback

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/formsync/internal/codec"
	"github.com/roach88/formsync/internal/record"
)

// Entry is the slot content.
type Entry struct {
	SavedAt time.Time         `json:"savedAt"`
	Record  record.FormRecord `json:"record"`
}

// Slot is a single JSON file replaced atomically on every Save.
type Slot struct {
	mu    sync.Mutex
	path  string
	codec *codec.Codec
}

// New returns a slot stored at path. A nil codec stores records as given.
func New(path string, c *codec.Codec) *Slot {
	return &Slot{path: path, codec: c}
}

// Path returns the slot file location.
func (s *Slot) Path() string { return s.path }

// Save replaces the slot content with r.
func (s *Slot) Save(r record.FormRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.codec != nil {
		r = s.codec.Encode(r)
	}
	data, err := json.Marshal(Entry{SavedAt: now, Record: r})
	if err != nil {
		return fmt.Errorf("fallback save: %w", err)
	}

	if err := WriteAtomic(s.path, data); err != nil {
		return fmt.Errorf("fallback save: %w", err)
	}
	return nil
}

// WriteAtomic replaces path with data through a synced temporary file in
// the same directory. The file is readable by the owner only.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".formsync-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load returns the slot content. ok is false when the slot is empty.
func (s *Slot) Load() (entry Entry, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("fallback load: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("fallback load: %w", err)
	}
	if s.codec != nil {
		entry.Record = s.codec.Decode(entry.Record)
	}
	return entry, true, nil
}

// Clear empties the slot.
func (s *Slot) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fallback clear: %w", err)
	}
	return nil
}
