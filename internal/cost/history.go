package cost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// historyFile is the on-disk shape of the cost tracking history.
type historyFile struct {
	History []Analysis `json:"history"`
}

// History is the bounded append-only store of past analyses. Every
// write prunes entries older than the retention window, so the file
// never grows past ~30 days of probe cycles.
type History struct {
	mu        sync.Mutex
	path      string
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewHistory creates a history store over the given file path.
func NewHistory(path string, retention time.Duration, log *zap.Logger) *History {
	if log == nil {
		log = zap.NewNop()
	}
	return &History{
		path:      path,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// Load reads the current history. A missing file is an empty history;
// a corrupt file is an error the caller decides about.
func (h *History) Load() ([]Analysis, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadLocked()
}

func (h *History) loadLocked() ([]Analysis, error) {
	data, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var file historyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cost history: %w", err)
	}
	return file.History, nil
}

// Append adds one entry, prunes the window, and writes the file back.
// Returns the retained entries after pruning.
func (h *History) Append(entry Analysis) ([]Analysis, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.loadLocked()
	if err != nil {
		// A corrupt history should not block new accounting; start
		// over rather than wedging every future probe cycle.
		h.log.Warn("cost history unreadable, starting fresh", zap.Error(err))
		entries = nil
	}

	entries = append(entries, entry)
	entries = prune(entries, h.now().Add(-h.retention))

	if err := h.saveLocked(entries); err != nil {
		return entries, err
	}
	return entries, nil
}

func (h *History) saveLocked(entries []Analysis) error {
	data, err := json.MarshalIndent(historyFile{History: entries}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(h.path, data, 0644)
}

// prune drops entries older than the cutoff.
func prune(entries []Analysis, cutoff time.Time) []Analysis {
	kept := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
