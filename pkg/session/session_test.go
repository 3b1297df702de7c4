package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/activity"
	"github.com/dtnitsch/pagewarden/pkg/storage"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

type fixture struct {
	store   storage.Store
	log     *activity.Log
	tracker *Tracker
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	log := activity.New(store, models.DefaultConfig().Log, nil)
	log.SetClock(clock.Now)

	tracker, err := NewTracker(store, models.DefaultConfig().ShortForm, log, nil)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	tracker.SetClock(clock.Now)
	return &fixture{store: store, log: log, tracker: tracker, clock: clock}
}

func TestTracker_Match(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		url      string
		platform string
		id       string
		ok       bool
	}{
		{"https://www.youtube.com/shorts/abc123", "youtube", "abc123", true},
		{"https://m.youtube.com/shorts/xyz?feature=share", "youtube", "xyz", true},
		{"https://www.tiktok.com/@someone/video/7301", "tiktok", "7301", true},
		{"https://www.instagram.com/reel/Cq1/", "instagram", "Cq1", true},
		{"https://www.instagram.com/reels/Cq2", "instagram", "Cq2", true},
		{"https://www.facebook.com/reel/998", "facebook", "998", true},
		{"https://www.youtube.com/watch?v=abc", "", "", false},
		{"https://www.youtube.com/shorts", "", "", false},
		{"chrome://newtab", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			platform, id, ok := f.tracker.Match(tt.url)
			if ok != tt.ok || platform != tt.platform || id != tt.id {
				t.Errorf("Match(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.url, platform, id, ok, tt.platform, tt.id, tt.ok)
			}
		})
	}
}

func TestTracker_SessionCountsDistinctItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	urls := []string{
		"https://www.youtube.com/shorts/a",
		"https://www.youtube.com/shorts/b",
		"https://www.youtube.com/shorts/a",
		"https://www.youtube.com/shorts/c",
	}
	for _, u := range urls {
		if _, err := f.tracker.Observe(ctx, 1, u); err != nil {
			t.Fatalf("Observe(%s) error = %v", u, err)
		}
		f.clock.Advance(20 * time.Second)
	}

	summary, err := f.tracker.Observe(ctx, 1, "https://www.youtube.com/watch?v=long")
	if err != nil {
		t.Fatalf("Observe(non-short) error = %v", err)
	}
	if summary == nil {
		t.Fatal("leaving short-form content did not end the session")
	}
	if summary.Count != 3 {
		t.Errorf("Count = %d, want 3", summary.Count)
	}
	if summary.Duration < 80*time.Second {
		t.Errorf("Duration = %v, want >= 80s", summary.Duration)
	}

	entries, err := f.log.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("log has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Decision != models.DecisionSession {
		t.Errorf("Decision = %s, want SESSION", e.Decision)
	}
	if e.Reason != "Watched 3 youtube shorts over 1m20s" {
		t.Errorf("Reason = %q", e.Reason)
	}
	if e.URL != urls[0] {
		t.Errorf("URL = %q, want the session start URL", e.URL)
	}

	if _, ok := f.tracker.Snapshot(1); ok {
		t.Error("session still active after it ended")
	}
}

func TestTracker_EndWithoutSession(t *testing.T) {
	f := newFixture(t)

	summary, err := f.tracker.End(context.Background(), 42, "tab closed")
	if err != nil || summary != nil {
		t.Errorf("End() = %v, %v; want nil, nil", summary, err)
	}
}

func TestTracker_PlatformSwitchStartsNewSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.tracker.Observe(ctx, 1, "https://www.youtube.com/shorts/a"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(10 * time.Second)

	summary, err := f.tracker.Observe(ctx, 1, "https://www.tiktok.com/@u/video/1")
	if err != nil {
		t.Fatal(err)
	}
	if summary == nil || summary.Platform != "youtube" || summary.Count != 1 {
		t.Fatalf("summary = %+v, want finished youtube session with 1 item", summary)
	}

	snap, ok := f.tracker.Snapshot(1)
	if !ok || snap.Platform != "tiktok" {
		t.Fatalf("Snapshot() = %+v, %v; want active tiktok session", snap, ok)
	}
}

func TestTracker_TabsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.tracker.Observe(ctx, 1, "https://www.youtube.com/shorts/a")
	f.tracker.Observe(ctx, 2, "https://www.youtube.com/shorts/b")
	f.tracker.Observe(ctx, 2, "https://www.youtube.com/shorts/c")

	s1, _ := f.tracker.Snapshot(1)
	s2, _ := f.tracker.Snapshot(2)
	if len(s1.Visited) != 1 || len(s2.Visited) != 2 {
		t.Errorf("visited = %v / %v, want 1 and 2 items", s1.Visited, s2.Visited)
	}
}

func TestTracker_FlushAndRehydrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.tracker.Observe(ctx, 7, "https://www.youtube.com/shorts/a")
	f.tracker.Observe(ctx, 7, "https://www.youtube.com/shorts/b")

	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var persisted ShortFormSession
	found, err := storage.GetJSON(ctx, f.store, "shortform:7", &persisted)
	if err != nil || !found {
		t.Fatalf("persisted session missing: found=%v err=%v", found, err)
	}
	if !persisted.Active || len(persisted.Visited) != 2 {
		t.Errorf("persisted = %+v", persisted)
	}

	// A fresh tracker over the same store picks the session back up.
	restarted, err := NewTracker(f.store, models.DefaultConfig().ShortForm, f.log, nil)
	if err != nil {
		t.Fatal(err)
	}
	restarted.SetClock(f.clock.Now)

	n, err := restarted.Rehydrate(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Rehydrate() = %d, %v; want 1", n, err)
	}

	f.clock.Advance(time.Minute)
	summary, err := restarted.End(ctx, 7, "tab closed")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Count != 2 || summary.Duration < time.Minute {
		t.Errorf("summary = %+v, want 2 items over >= 1m", summary)
	}

	if found, _ := storage.GetJSON(ctx, f.store, "shortform:7", &persisted); found {
		t.Error("persisted session not removed after End")
	}
}

func TestTracker_FlushWritesOnlyDirty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.tracker.Observe(ctx, 1, "https://www.youtube.com/shorts/a")
	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	// Remove the persisted copy; a clean session must not be rewritten.
	if err := f.store.Remove(ctx, "shortform:1"); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Get(ctx, "shortform:1")
	if len(got) != 0 {
		t.Error("clean session was flushed again")
	}

	f.tracker.Observe(ctx, 1, "https://www.youtube.com/shorts/b")
	if err := f.tracker.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = f.store.Get(ctx, "shortform:1")
	if len(got) != 1 {
		t.Error("dirty session was not flushed")
	}
}

// gatedStore blocks writes of one key until released.
type gatedStore struct {
	*storage.Memory
	key     string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Set(ctx context.Context, items map[string][]byte) error {
	if _, ok := items[g.key]; ok {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Memory.Set(ctx, items)
}

func TestTracker_EndDuringFlushIsNotResurrected(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := &gatedStore{
		Memory:  storage.NewMemory(),
		key:     "shortform:1",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	log := activity.New(store, models.DefaultConfig().Log, nil)
	log.SetClock(clock.Now)
	tracker, err := NewTracker(store, models.DefaultConfig().ShortForm, log, nil)
	if err != nil {
		t.Fatal(err)
	}
	tracker.SetClock(clock.Now)

	tracker.Observe(ctx, 1, "https://www.youtube.com/shorts/a")

	flushErr := make(chan error, 1)
	go func() { flushErr <- tracker.Flush(ctx) }()
	<-store.entered

	endErr := make(chan error, 1)
	go func() {
		_, err := tracker.End(ctx, 1, "tab closed")
		endErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, active := tracker.Snapshot(1); !active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("End did not finalize the session")
		}
		time.Sleep(time.Millisecond)
	}

	close(store.release)
	if err := <-flushErr; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := <-endErr; err != nil {
		t.Fatalf("End() error = %v", err)
	}

	restarted, err := NewTracker(store, models.DefaultConfig().ShortForm, log, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := restarted.Rehydrate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Rehydrate() restored %d sessions for an ended tab, want 0", n)
	}

	entries, err := log.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Decision != models.DecisionSession {
		t.Errorf("activity log = %+v, want one session entry", entries)
	}
}

func TestNewTracker_RejectsBadPatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr string
	}{
		{"invalid regexp", `([`, "invalid short-form pattern"},
		{"no capture group", `^youtube\.com/shorts/`, "capture group"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTracker(storage.NewMemory(), []models.ShortFormRule{{Platform: "x", Pattern: tt.pattern}}, nil, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewTracker() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
