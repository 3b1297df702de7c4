package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/activity"
	"github.com/dtnitsch/pagewarden/pkg/auth"
	"github.com/dtnitsch/pagewarden/pkg/caching"
	"github.com/dtnitsch/pagewarden/pkg/coord"
	"github.com/dtnitsch/pagewarden/pkg/normalize"
	"github.com/dtnitsch/pagewarden/pkg/pipeline"
	"github.com/dtnitsch/pagewarden/pkg/session"
	"github.com/dtnitsch/pagewarden/pkg/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type stubClassifier struct {
	resp models.ClassifierResponse
}

func (s *stubClassifier) Check(ctx context.Context, obs models.PageObservation) (models.ClassifierResponse, error) {
	return s.resp, nil
}

func (s *stubClassifier) LogEvent(ctx context.Context, entry models.ActivityLogEntry) {}

type testEnv struct {
	srv   *Server
	store *storage.Memory
	cred  *auth.Credential
	cache *caching.Cache
	stub  *stubClassifier
}

func newTestEnv(t *testing.T, origins []string) *testEnv {
	t.Helper()
	cfg := models.DefaultConfig()
	store := storage.NewMemory()
	norm := normalize.New(cfg.ContentParams)
	cache := caching.NewCache(store, norm, cfg.CacheCapacity, nil)
	co := coord.New(cfg.Cooldown)
	log := activity.New(store, cfg.Log, nil)
	sessions, err := session.NewTracker(store, cfg.ShortForm, log, nil)
	if err != nil {
		t.Fatal(err)
	}
	cred := auth.New(store)
	outbox := NewOutbox(0)
	stub := &stubClassifier{resp: models.ClassifierResponse{Decision: models.DecisionBlock, Reason: "social"}}

	p, err := pipeline.New(pipeline.Deps{
		Store: store, Normalizer: norm, Cache: cache, Coord: co, Classifier: stub,
		Credential: cred, Log: log, Sessions: sessions, Redirector: outbox, Billing: outbox,
	}, pipeline.OptionsFromConfig(cfg), pipeline.FiltersFromConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	srv := New(Deps{
		Pipeline: p, Cache: cache, Log: log, Credential: cred, Store: store, Coord: co, Outbox: outbox,
	}, origins)
	return &testEnv{srv: srv, store: store, cred: cred, cache: cache, stub: stub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
}

func TestServer_ObservationBlockQueuesRedirect(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/tabs/3/observations", `{"url":"https://x.com/watch?v=abc","title":"Video"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var res pipeline.Result
	decode(t, w, &res)
	if res.Decision != models.DecisionBlock || !res.Redirected {
		t.Errorf("result = %+v", res)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response has no X-Request-ID")
	}

	var got struct {
		Actions []Action `json:"actions"`
	}
	decode(t, env.do(t, http.MethodGet, "/v1/actions", ""), &got)
	if len(got.Actions) != 1 || got.Actions[0].Type != ActionRedirect || got.Actions[0].TabID != 3 {
		t.Fatalf("actions = %+v", got.Actions)
	}
	if !strings.HasPrefix(got.Actions[0].URL, "chrome-extension://pagewarden/blocked.html?") {
		t.Errorf("redirect URL = %s", got.Actions[0].URL)
	}

	decode(t, env.do(t, http.MethodGet, "/v1/actions", ""), &got)
	if len(got.Actions) != 0 {
		t.Errorf("actions not drained: %+v", got.Actions)
	}

	var activity struct {
		Entries []models.ActivityLogEntry `json:"entries"`
	}
	decode(t, env.do(t, http.MethodGet, "/v1/activity?limit=10", ""), &activity)
	if len(activity.Entries) != 1 || activity.Entries[0].Domain != "x.com" {
		t.Errorf("activity = %+v", activity.Entries)
	}

	if w := env.do(t, http.MethodDelete, "/v1/activity", ""); w.Code != http.StatusNoContent {
		t.Errorf("clear activity status = %d", w.Code)
	}
	decode(t, env.do(t, http.MethodGet, "/v1/activity", ""), &activity)
	if len(activity.Entries) != 0 {
		t.Errorf("activity after clear = %+v", activity.Entries)
	}
}

func TestServer_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"tab id not a number", http.MethodPost, "/v1/tabs/abc/observations", `{"url":"https://a.com","title":"t"}`},
		{"malformed observation", http.MethodPost, "/v1/tabs/1/observations", `{"url":`},
		{"zero cache version", http.MethodPost, "/v1/cache/version", `{"version":0}`},
		{"missing token", http.MethodPut, "/v1/auth/token", `{}`},
		{"missing pause flag", http.MethodPut, "/v1/pause", `{}`},
		{"negative limit", http.MethodGet, "/v1/activity?limit=-1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, tt.method, tt.path, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", w.Code, w.Body)
			}
		})
	}
}

func TestServer_PauseSkipsObservations(t *testing.T) {
	env := newTestEnv(t, nil)

	if w := env.do(t, http.MethodPut, "/v1/pause", `{"paused":true}`); w.Code != http.StatusOK {
		t.Fatalf("pause status = %d", w.Code)
	}
	var paused struct {
		Paused bool `json:"paused"`
	}
	decode(t, env.do(t, http.MethodGet, "/v1/pause", ""), &paused)
	if !paused.Paused {
		t.Error("GET /v1/pause did not report paused")
	}

	var res pipeline.Result
	decode(t, env.do(t, http.MethodPost, "/v1/tabs/1/observations", `{"url":"https://x.com/a","title":"t"}`), &res)
	if res.Skip != pipeline.SkipPaused {
		t.Errorf("result = %+v, want skipped while paused", res)
	}

	env.do(t, http.MethodPut, "/v1/pause", `{"paused":false}`)
	decode(t, env.do(t, http.MethodPost, "/v1/tabs/1/observations", `{"url":"https://x.com/a","title":"t"}`), &res)
	if res.Outcome != pipeline.OutcomeChecked {
		t.Errorf("result = %+v, want checked after resume", res)
	}
}

func TestServer_TokenAndCacheEndpoints(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	if w := env.do(t, http.MethodPut, "/v1/auth/token", `{"token":"abc"}`); w.Code != http.StatusNoContent {
		t.Fatalf("set token status = %d", w.Code)
	}
	if tok, err := env.cred.Token(ctx); err != nil || tok != "abc" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
	if w := env.do(t, http.MethodDelete, "/v1/auth/token", ""); w.Code != http.StatusNoContent {
		t.Fatalf("clear token status = %d", w.Code)
	}
	if _, err := env.cred.Token(ctx); err == nil {
		t.Error("token still present after DELETE")
	}

	env.do(t, http.MethodPost, "/v1/tabs/1/observations", `{"url":"https://x.com/a","title":"t"}`)
	var cleared struct {
		Removed int `json:"removed"`
	}
	decode(t, env.do(t, http.MethodPost, "/v1/cache/clear", ""), &cleared)
	if cleared.Removed != 1 {
		t.Errorf("removed = %d, want 1", cleared.Removed)
	}

	var bump struct {
		Advanced bool  `json:"advanced"`
		Version  int64 `json:"version"`
	}
	decode(t, env.do(t, http.MethodPost, "/v1/cache/version", `{"version":9}`), &bump)
	if !bump.Advanced || bump.Version != 9 {
		t.Errorf("bump = %+v", bump)
	}
}

func TestServer_TabLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/v1/tabs/2/observations", `{"url":"https://x.com/a","title":"t"}`)
	if w := env.do(t, http.MethodPost, "/v1/tabs/2/navigation", ""); w.Code != http.StatusNoContent {
		t.Errorf("navigation status = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/v1/tabs/2", ""); w.Code != http.StatusNoContent {
		t.Errorf("close status = %d", w.Code)
	}

	var health map[string]any
	decode(t, env.do(t, http.MethodGet, "/healthz", ""), &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}
}

func TestServer_CORS(t *testing.T) {
	env := newTestEnv(t, []string{"https://dashboard.pagewarden.app"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/activity", nil)
	req.Header.Set("Origin", "https://dashboard.pagewarden.app")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.pagewarden.app" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/activity", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want 403", w.Code)
	}
}

func TestOutbox_DropsOldestWhenFull(t *testing.T) {
	o := NewOutbox(2)
	ctx := context.Background()
	o.Redirect(ctx, 1, "a")
	o.Redirect(ctx, 2, "b")
	o.OpenBilling(ctx, "c")

	got := o.Drain()
	if len(got) != 2 || got[0].URL != "b" || got[1].Type != ActionBilling {
		t.Errorf("Drain() = %+v", got)
	}
}
