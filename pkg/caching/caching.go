// Package caching stores classifier decisions keyed by normalized URL and
// invalidates them when the backend's rule version advances.
package caching

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/storage"
)

const (
	// KeyPrefix namespaces cache entries in the shared store.
	KeyPrefix = "cache:"
	// VersionKey holds the last cache version learned from the backend.
	VersionKey = "cacheVersion"
)

// reservedKeys are never treated as cache entries, even if a future
// layout gives them the cache prefix.
var reservedKeys = map[string]struct{}{
	"activityLog":         {},
	VersionKey:            {},
	"authToken":           {},
	"paused":              {},
	"lastBillingPromptAt": {},
}

// Normalizer maps a URL onto its cache key.
type Normalizer interface {
	Normalize(rawURL string) string
}

// Quota is implemented by stores that know their size limit.
type Quota interface {
	Quota() int64
}

// Cache is a versioned decision cache on top of a storage.Store.
type Cache struct {
	store    storage.Store
	norm     Normalizer
	capacity int
	logger   *slog.Logger
	now      func() time.Time
}

// NewCache creates a Cache holding at most capacity entries after Cleanup.
func NewCache(store storage.Store, norm Normalizer, capacity int, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		store:    store,
		norm:     norm,
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source; used by tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Key returns the store key for rawURL.
func (c *Cache) Key(rawURL string) string {
	return KeyPrefix + c.norm.Normalize(rawURL)
}

// Get returns the entry for rawURL, or nil on a miss. Store and decode
// errors are logged and reported as a miss so the caller re-checks.
func (c *Cache) Get(ctx context.Context, rawURL string) *models.CacheEntry {
	key := c.Key(rawURL)

	var entry models.CacheEntry
	found, err := storage.GetJSON(ctx, c.store, key, &entry)
	if err != nil {
		c.logger.Warn("Cache read failed, treating as miss", "key", key, "error", err)
		return nil
	}
	if !found {
		return nil
	}
	return &entry
}

// Set stores a decision for rawURL stamped with the current time and
// cache version.
func (c *Cache) Set(ctx context.Context, rawURL string, entry models.CacheEntry) error {
	entry.Timestamp = c.now()
	entry.CacheVersion = c.Version(ctx)

	if err := storage.SetJSON(ctx, c.store, c.Key(rawURL), entry); err != nil {
		return fmt.Errorf("failed to write to cache: %w", err)
	}
	return nil
}

// IsValid reports whether entry may be used under currentVersion. A zero
// currentVersion means no version has been learned yet.
func IsValid(entry *models.CacheEntry, currentVersion int64) bool {
	if entry == nil {
		return false
	}
	return currentVersion == 0 || entry.CacheVersion == currentVersion
}

// Version returns the stored cache version, 0 if unknown or unreadable.
func (c *Cache) Version(ctx context.Context) int64 {
	var v int64
	if _, err := storage.GetJSON(ctx, c.store, VersionKey, &v); err != nil {
		c.logger.Warn("Cache version read failed", "error", err)
		return 0
	}
	return v
}

// AdvanceVersion records v if it is newer than the stored version. All
// cached entries are removed before the new version is written, so no
// stale entry is ever readable under the new version.
func (c *Cache) AdvanceVersion(ctx context.Context, v int64) (bool, error) {
	current := c.Version(ctx)
	if v <= current {
		return false, nil
	}

	removed, err := c.Clear(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to invalidate cache for version %d: %w", v, err)
	}
	if err := storage.SetJSON(ctx, c.store, VersionKey, v); err != nil {
		return false, fmt.Errorf("failed to store cache version: %w", err)
	}

	c.logger.Info("Cache version advanced", "from", current, "to", v, "evicted", removed)
	return true, nil
}

// Clear removes every cache entry and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	entries, err := c.entries(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	if err := c.store.Remove(ctx, keys...); err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	return len(keys), nil
}

// Cleanup evicts the oldest entries beyond capacity. When the store is
// close to its quota it evicts down to half capacity. Removing an entry
// twice is harmless, so concurrent cleanups are safe.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	entries, err := c.entries(ctx)
	if err != nil {
		return 0, err
	}

	limit := c.capacity
	if c.nearQuota(ctx) {
		limit = c.capacity / 2
	}
	if len(entries) <= limit {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp.Before(entries[j].timestamp)
	})

	excess := entries[:len(entries)-limit]
	keys := make([]string, len(excess))
	for i, e := range excess {
		keys[i] = e.key
	}
	if err := c.store.Remove(ctx, keys...); err != nil {
		return 0, fmt.Errorf("failed to evict cache entries: %w", err)
	}

	c.logger.Info("Cache cleanup evicted entries", "evicted", len(keys), "remaining", limit)
	return len(keys), nil
}

// Stats summarizes the cache for display.
type Stats struct {
	Entries    int   `json:"entries" yaml:"entries"`
	Capacity   int   `json:"capacity" yaml:"capacity"`
	Version    int64 `json:"version" yaml:"version"`
	BytesInUse int64 `json:"bytes_in_use" yaml:"bytes_in_use"`
}

// Stats returns entry count, version and store usage.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.entries(ctx)
	if err != nil {
		return Stats{}, err
	}
	used, err := c.store.BytesInUse(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read store usage: %w", err)
	}
	return Stats{
		Entries:    len(entries),
		Capacity:   c.capacity,
		Version:    c.Version(ctx),
		BytesInUse: used,
	}, nil
}

type indexed struct {
	key       string
	timestamp time.Time
}

func (c *Cache) entries(ctx context.Context) ([]indexed, error) {
	all, err := c.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list store: %w", err)
	}

	out := make([]indexed, 0, len(all))
	for key, data := range all {
		if !strings.HasPrefix(key, KeyPrefix) {
			continue
		}
		if _, reserved := reservedKeys[key]; reserved {
			continue
		}
		var entry models.CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			// Unreadable entries sort first and are evicted first.
			c.logger.Warn("Corrupt cache entry", "key", key, "error", err)
		}
		out = append(out, indexed{key: key, timestamp: entry.Timestamp})
	}
	return out, nil
}

func (c *Cache) nearQuota(ctx context.Context) bool {
	q, ok := c.store.(Quota)
	if !ok || q.Quota() <= 0 {
		return false
	}
	used, err := c.store.BytesInUse(ctx)
	if err != nil {
		return false
	}
	return used*10 > q.Quota()*9
}

var timeSensitive = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\d+\s*(?:seconds?|secs?|minutes?|mins?|hours?|hrs?|days?)\s+(?:left|remaining)\b`),
	regexp.MustCompile(`(?i)\b(?:left|remaining)\s*:?\s*\d+\s*(?:seconds?|secs?|minutes?|mins?|hours?|hrs?)\b`),
	regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}\s*(?:am|pm)?\b`),
	regexp.MustCompile(`(?i)\b\d{1,2}\s*(?:am|pm)\b`),
	regexp.MustCompile(`(?i)\b(?:until|before|after)\b`),
}

// IsTimeSensitive reports whether a classifier reason depends on the wall
// clock ("45 minutes left", "until 5pm"). Such decisions are never cached.
func IsTimeSensitive(reason string) bool {
	for _, re := range timeSensitive {
		if re.MatchString(reason) {
			return true
		}
	}
	return false
}

// ParseVersion reads a version number from text, for CLI and HTTP input.
func ParseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid cache version %q", s)
	}
	return v, nil
}
