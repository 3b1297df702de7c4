// Package activity keeps the bounded, newest-first history of decisions.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/normalize"
	"github.com/dtnitsch/pagewarden/pkg/storage"
)

// StoreKey holds the serialized log.
const StoreKey = "activityLog"

// Log is an append-only, size- and age-bounded history persisted as a
// single JSON array in the store.
type Log struct {
	mu     sync.Mutex
	store  storage.Store
	cfg    models.LogConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Log with the given retention settings.
func New(store storage.Store, cfg models.LogConfig, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = models.DefaultConfig().Log.MaxEntries
	}
	return &Log{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source; used by tests.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append writes entry at the head of the log. It returns false without
// writing when the entry duplicates the current head within the dedup
// window, or when it is an allow decision and allow logging is off.
// ID, Domain and Timestamp are filled in when empty.
func (l *Log) Append(ctx context.Context, entry models.ActivityLogEntry) (models.ActivityLogEntry, bool, error) {
	if entry.Decision == models.DecisionAllow && !l.cfg.LogAllowDecisions {
		return entry, false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if entry.Domain == "" {
		entry.Domain = normalize.Domain(entry.URL)
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	// Always re-read: another process may have written since our last append.
	entries, err := l.read(ctx)
	if err != nil {
		return entry, false, err
	}

	if len(entries) > 0 {
		head := entries[0]
		if head.SameEvent(entry) && entry.Timestamp.Sub(head.Timestamp) < l.cfg.DedupWindow {
			return entry, false, nil
		}
	}

	entries = append([]models.ActivityLogEntry{entry}, entries...)
	entries = l.prune(entries)

	err = storage.SetJSON(ctx, l.store, StoreKey, entries)
	if errors.Is(err, storage.ErrQuotaExceeded) {
		keep := len(entries) / 2
		if keep < 1 {
			keep = 1
		}
		l.logger.Warn("Activity log hit storage quota, trimming", "before", len(entries), "after", keep)
		err = storage.SetJSON(ctx, l.store, StoreKey, entries[:keep])
	}
	if err != nil {
		return entry, false, fmt.Errorf("failed to write activity log: %w", err)
	}
	return entry, true, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) List(ctx context.Context, limit int) ([]models.ActivityLogEntry, error) {
	entries, err := l.read(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Clear deletes the whole log.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Remove(ctx, StoreKey); err != nil {
		return fmt.Errorf("failed to clear activity log: %w", err)
	}
	return nil
}

// Prune applies the retention policy and returns how many entries it dropped.
func (l *Log) Prune(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read(ctx)
	if err != nil {
		return 0, err
	}
	kept := l.prune(entries)
	dropped := len(entries) - len(kept)
	if dropped == 0 {
		return 0, nil
	}

	if err := storage.SetJSON(ctx, l.store, StoreKey, kept); err != nil {
		return 0, fmt.Errorf("failed to write pruned activity log: %w", err)
	}
	return dropped, nil
}

func (l *Log) prune(entries []models.ActivityLogEntry) []models.ActivityLogEntry {
	if l.cfg.AutoDeleteEnabled && l.cfg.RetentionDays > 0 {
		cutoff := l.now().AddDate(0, 0, -l.cfg.RetentionDays)
		kept := entries[:0:0]
		for _, e := range entries {
			if !e.Timestamp.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if len(entries) > l.cfg.MaxEntries {
		entries = entries[:l.cfg.MaxEntries]
	}
	return entries
}

// read loads the log. A value that no longer decodes reads as an empty log,
// so the next write replaces it.
func (l *Log) read(ctx context.Context) ([]models.ActivityLogEntry, error) {
	var entries []models.ActivityLogEntry
	_, err := storage.GetJSON(ctx, l.store, StoreKey, &entries)
	if errors.Is(err, storage.ErrCorrupt) {
		l.logger.Warn("Activity log is corrupt, starting over", "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read activity log: %w", err)
	}
	return entries, nil
}
