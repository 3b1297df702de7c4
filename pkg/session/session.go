// Package session tracks short-form video viewing sessions per tab.
//
// A session starts when a tab first shows a short-form URL, accumulates the
// distinct items viewed while the tab stays on short-form content, and is
// summarized into one activity log entry when the tab leaves or closes.
// State is flushed to the store in batches and rehydrated on startup.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/normalize"
	"github.com/dtnitsch/pagewarden/pkg/storage"
)

// KeyPrefix namespaces persisted sessions: shortform:<tabID>.
const KeyPrefix = "shortform:"

// Appender receives the session summary.
type Appender interface {
	Append(ctx context.Context, entry models.ActivityLogEntry) (models.ActivityLogEntry, bool, error)
}

// ShortFormSession is the persisted form of an active session.
type ShortFormSession struct {
	TabID     int       `json:"tabId"`
	Active    bool      `json:"active"`
	StartTime time.Time `json:"startTime"`
	StartURL  string    `json:"startUrl"`
	Platform  string    `json:"platform"`
	Visited   []string  `json:"visited"`
}

// Summary describes a finalized session.
type Summary struct {
	TabID    int
	Platform string
	StartURL string
	Count    int
	Duration time.Duration
}

type rule struct {
	platform string
	re       *regexp.Regexp
}

type state struct {
	startTime time.Time
	startURL  string
	platform  string
	visited   map[string]struct{}
	dirty     bool
}

// Tracker owns the per-tab session state machine.
type Tracker struct {
	mu sync.Mutex
	// persistMu orders store writes of Flush against the removal in End, so
	// a flush that snapshotted a session cannot write it back after End
	// deleted it.
	persistMu sync.Mutex

	store    storage.Store
	log      Appender
	rules    []rule
	sessions map[int]*state
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker compiles the short-form rules and returns an empty Tracker.
func NewTracker(store storage.Store, rules []models.ShortFormRule, log Appender, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	compiled := make([]rule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid short-form pattern for %s: %w", r.Platform, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("short-form pattern for %s needs a capture group for the item id", r.Platform)
		}
		compiled = append(compiled, rule{platform: r.Platform, re: re})
	}

	return &Tracker{
		store:    store,
		log:      log,
		rules:    compiled,
		sessions: make(map[int]*state),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source; used by tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Match reports the platform and item id of a short-form URL.
func (t *Tracker) Match(rawURL string) (platform, id string, ok bool) {
	u, ok := normalize.Parse(rawURL)
	if !ok {
		return "", "", false
	}
	target := normalize.Host(u) + u.EscapedPath()
	for _, r := range t.rules {
		if m := r.re.FindStringSubmatch(target); m != nil && m[1] != "" {
			return r.platform, m[1], true
		}
	}
	return "", "", false
}

// Observe advances the tab's state machine for a newly shown URL. Leaving
// short-form content (or switching platform) finalizes the running session.
func (t *Tracker) Observe(ctx context.Context, tabID int, rawURL string) (*Summary, error) {
	platform, id, isShort := t.Match(rawURL)

	t.mu.Lock()
	s, active := t.sessions[tabID]

	if !isShort {
		t.mu.Unlock()
		if !active {
			return nil, nil
		}
		return t.End(ctx, tabID, "left short-form content")
	}

	if active && s.platform == platform {
		itemKey := platform + ":" + id
		if _, seen := s.visited[itemKey]; !seen {
			s.visited[itemKey] = struct{}{}
			s.dirty = true
		}
		t.mu.Unlock()
		return nil, nil
	}
	t.mu.Unlock()

	var summary *Summary
	if active {
		var err error
		if summary, err = t.End(ctx, tabID, "switched platform"); err != nil {
			t.logger.Warn("Failed to finalize session on platform switch", "tab_id", tabID, "error", err)
		}
	}

	t.mu.Lock()
	t.sessions[tabID] = &state{
		startTime: t.now(),
		startURL:  rawURL,
		platform:  platform,
		visited:   map[string]struct{}{platform + ":" + id: {}},
		dirty:     true,
	}
	t.mu.Unlock()

	t.logger.Info("Short-form session started", "tab_id", tabID, "platform", platform)
	return summary, nil
}

// End finalizes the tab's session, if any, and writes its summary to the
// activity log. It returns nil when no session was active. The reason is
// only logged.
func (t *Tracker) End(ctx context.Context, tabID int, reason string) (*Summary, error) {
	t.mu.Lock()
	s, ok := t.sessions[tabID]
	if ok {
		delete(t.sessions, tabID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, nil
	}

	summary := &Summary{
		TabID:    tabID,
		Platform: s.platform,
		StartURL: s.startURL,
		Count:    len(s.visited),
		Duration: t.now().Sub(s.startTime),
	}

	t.persistMu.Lock()
	err := t.store.Remove(ctx, storeKey(tabID))
	t.persistMu.Unlock()
	if err != nil {
		t.logger.Warn("Failed to remove persisted session", "tab_id", tabID, "error", err)
	}

	entry := models.ActivityLogEntry{
		URL:      s.startURL,
		Reason:   fmt.Sprintf("Watched %d %s shorts over %s", summary.Count, summary.Platform, formatDuration(summary.Duration)),
		Decision: models.DecisionSession,
	}
	if _, _, err := t.log.Append(ctx, entry); err != nil {
		return summary, fmt.Errorf("failed to log session summary: %w", err)
	}

	t.logger.Info("Short-form session ended", "tab_id", tabID, "platform", summary.Platform, "count", summary.Count, "duration", summary.Duration, "reason", reason)
	return summary, nil
}

// Flush persists every session changed since the last flush. A failed
// write leaves the session dirty for the next flush.
func (t *Tracker) Flush(ctx context.Context) error {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	items := make(map[string][]byte)
	var flushed []int
	for tabID, s := range t.sessions {
		if !s.dirty {
			continue
		}
		data, err := encode(tabID, s)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		items[storeKey(tabID)] = data
		flushed = append(flushed, tabID)
	}
	t.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	if err := t.store.Set(ctx, items); err != nil {
		return fmt.Errorf("failed to flush sessions: %w", err)
	}

	t.mu.Lock()
	for _, tabID := range flushed {
		// The session may have ended or changed while we were writing;
		// in the latter case a later flush rewrites it anyway.
		if s, ok := t.sessions[tabID]; ok {
			s.dirty = false
		}
	}
	t.mu.Unlock()
	return nil
}

// Rehydrate restores persisted active sessions, e.g. after a restart.
// Sessions already tracked in memory win over persisted ones.
func (t *Tracker) Rehydrate(ctx context.Context) (int, error) {
	all, err := t.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load sessions: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	restored := 0
	for key, data := range all {
		if !strings.HasPrefix(key, KeyPrefix) {
			continue
		}
		var ps ShortFormSession
		if err := json.Unmarshal(data, &ps); err != nil {
			t.logger.Warn("Skipping corrupt session", "key", key, "error", err)
			continue
		}
		if !ps.Active {
			continue
		}
		if _, exists := t.sessions[ps.TabID]; exists {
			continue
		}
		visited := make(map[string]struct{}, len(ps.Visited))
		for _, v := range ps.Visited {
			visited[v] = struct{}{}
		}
		t.sessions[ps.TabID] = &state{
			startTime: ps.StartTime,
			startURL:  ps.StartURL,
			platform:  ps.Platform,
			visited:   visited,
		}
		restored++
	}
	return restored, nil
}

// Snapshot returns the current session of a tab.
func (t *Tracker) Snapshot(tabID int) (ShortFormSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[tabID]
	if !ok {
		return ShortFormSession{}, false
	}
	return toPersisted(tabID, s), true
}

func toPersisted(tabID int, s *state) ShortFormSession {
	visited := make([]string, 0, len(s.visited))
	for v := range s.visited {
		visited = append(visited, v)
	}
	sort.Strings(visited)
	return ShortFormSession{
		TabID:     tabID,
		Active:    true,
		StartTime: s.startTime,
		StartURL:  s.startURL,
		Platform:  s.platform,
		Visited:   visited,
	}
}

func encode(tabID int, s *state) ([]byte, error) {
	data, err := json.Marshal(toPersisted(tabID, s))
	if err != nil {
		return nil, fmt.Errorf("failed to encode session for tab %d: %w", tabID, err)
	}
	return data, nil
}

func storeKey(tabID int) string {
	return KeyPrefix + strconv.Itoa(tabID)
}

// formatDuration renders whole seconds, e.g. "4m12s".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	return d.Truncate(time.Second).String()
}
