// Package pipeline decides, per tab observation, whether a page is blocked.
//
// Observations for one tab are handled strictly in order. Each one passes
// the pause, safe-list, internal-page and non-content filters, the per-tab
// duplicate check and the per-key cooldown before the decision cache is
// consulted. Cache misses go to the remote classifier through the
// coalescer so concurrent observations of the same page cost one call.
// Every failure path allows the page.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/activity"
	"github.com/dtnitsch/pagewarden/pkg/auth"
	"github.com/dtnitsch/pagewarden/pkg/caching"
	"github.com/dtnitsch/pagewarden/pkg/classifier"
	"github.com/dtnitsch/pagewarden/pkg/coord"
	"github.com/dtnitsch/pagewarden/pkg/normalize"
	"github.com/dtnitsch/pagewarden/pkg/session"
	"github.com/dtnitsch/pagewarden/pkg/storage"
)

// Classifier is the remote decision service.
type Classifier interface {
	Check(ctx context.Context, obs models.PageObservation) (models.ClassifierResponse, error)
	LogEvent(ctx context.Context, entry models.ActivityLogEntry)
}

// Redirector sends a tab to another URL. It may fail when the tab is gone.
type Redirector interface {
	Redirect(ctx context.Context, tabID int, target string) error
}

// BillingOpener shows the subscription page.
type BillingOpener interface {
	OpenBilling(ctx context.Context, target string) error
}

// Outcome says how far an observation got.
type Outcome string

const (
	OutcomeSkipped         Outcome = "skipped"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeCooldown        Outcome = "cooldown"
	OutcomeCached          Outcome = "cached"
	OutcomeChecked         Outcome = "checked"
	OutcomeUnauthorized    Outcome = "unauthorized"
	OutcomePaymentRequired Outcome = "payment_required"
	OutcomeFailed          Outcome = "failed"
)

// Skip reasons reported with OutcomeSkipped.
const (
	SkipPaused     = "paused"
	SkipSafeListed = "safe_listed"
	SkipInternal   = "internal"
	SkipNoTitle    = "no_title"
	SkipNonContent = "non_content"
)

// Result is the pipeline's answer for one observation.
type Result struct {
	Decision     models.Decision `json:"decision" yaml:"decision"`
	Outcome      Outcome         `json:"outcome" yaml:"outcome"`
	Skip         string          `json:"skip,omitempty" yaml:"skip,omitempty"`
	Key          string          `json:"key,omitempty" yaml:"key,omitempty"`
	Reason       string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	ActivePrompt string          `json:"activePrompt,omitempty" yaml:"active_prompt,omitempty"`
	Shared       bool            `json:"shared,omitempty" yaml:"shared,omitempty"`
	Redirected   bool            `json:"redirected,omitempty" yaml:"redirected,omitempty"`
	Err          string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Options are the pipeline's tunables, normally taken from models.Config.
type Options struct {
	InterstitialURL       string
	BillingURL            string
	BillingPromptInterval time.Duration
	SessionFlushInterval  time.Duration
	JanitorInterval       time.Duration
}

// OptionsFromConfig extracts the pipeline options from cfg.
func OptionsFromConfig(cfg *models.Config) Options {
	return Options{
		InterstitialURL:       cfg.InterstitialURL,
		BillingURL:            cfg.BillingURL,
		BillingPromptInterval: cfg.BillingPromptInterval,
		SessionFlushInterval:  cfg.SessionFlushInterval,
		JanitorInterval:       cfg.JanitorInterval,
	}
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store      storage.Store
	Normalizer *normalize.Normalizer
	Cache      *caching.Cache
	Coord      *coord.Context
	Classifier Classifier
	Credential *auth.Credential
	Log        *activity.Log
	Sessions   *session.Tracker
	Redirector Redirector
	Billing    BillingOpener
	Logger     *slog.Logger
}

// Pipeline is the decision engine. It is safe for concurrent use.
type Pipeline struct {
	store      storage.Store
	norm       *normalize.Normalizer
	cache      *caching.Cache
	coord      *coord.Context
	classifier Classifier
	credential *auth.Credential
	log        *activity.Log
	sessions   *session.Tracker
	redirector Redirector
	billing    BillingOpener
	logger     *slog.Logger
	opts       Options
	filters    atomic.Pointer[Filters]

	mu   sync.Mutex
	tabs map[int]*TabState

	billingMu sync.Mutex
	uploads   sync.WaitGroup
	now       func() time.Time
}

// New wires a Pipeline.
func New(deps Deps, opts Options, filters Filters) (*Pipeline, error) {
	switch {
	case deps.Store == nil, deps.Normalizer == nil, deps.Cache == nil, deps.Coord == nil,
		deps.Classifier == nil, deps.Credential == nil, deps.Log == nil, deps.Sessions == nil:
		return nil, errors.New("pipeline: missing dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Redirector == nil {
		deps.Redirector = nopActions{}
	}
	if deps.Billing == nil {
		deps.Billing = nopActions{}
	}

	p := &Pipeline{
		store:      deps.Store,
		norm:       deps.Normalizer,
		cache:      deps.Cache,
		coord:      deps.Coord,
		classifier: deps.Classifier,
		credential: deps.Credential,
		log:        deps.Log,
		sessions:   deps.Sessions,
		redirector: deps.Redirector,
		billing:    deps.Billing,
		logger:     deps.Logger,
		opts:       opts,
		tabs:       make(map[int]*TabState),
		now:        time.Now,
	}
	p.SetFilters(filters)
	return p, nil
}

// SetClock replaces the time source; used by tests.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// SetFilters swaps the filter lists. Observations already past the
// filter step are unaffected.
func (p *Pipeline) SetFilters(f Filters) {
	p.filters.Store(&f)
}

// Process runs one observation through the pipeline. The returned error is
// non-nil only when ctx ends before the tab's turn comes; every other
// failure is reported in Result with an allow decision.
func (p *Pipeline) Process(ctx context.Context, tabID int, obs models.PageObservation) (Result, error) {
	var res Result
	err := p.coord.Tabs.WithLock(ctx, tabID, func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Pipeline panicked, allowing page", "tab_id", tabID, "url", obs.URL, "panic", r)
				res = Result{Decision: models.DecisionAllow, Outcome: OutcomeFailed, Err: fmt.Sprintf("panic: %v", r)}
			}
		}()
		res = p.process(ctx, tabID, obs.Clean())
		return nil
	})
	if err != nil {
		return Result{Decision: models.DecisionAllow, Outcome: OutcomeFailed, Err: err.Error()}, err
	}
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, tabID int, obs models.PageObservation) Result {
	skip := func(why string) Result {
		return Result{Decision: models.DecisionAllow, Outcome: OutcomeSkipped, Skip: why}
	}

	// Any non-short-form page ends a running short-form session, including
	// pages that are skipped below.
	if _, err := p.sessions.Observe(ctx, tabID, obs.URL); err != nil {
		p.logger.Warn("Session tracking failed", "tab_id", tabID, "error", err)
	}

	if IsPaused(ctx, p.store) {
		return skip(SkipPaused)
	}

	filters := p.filters.Load()
	u, parsed := normalize.Parse(obs.URL)
	if parsed && filters.safeListed(normalize.Host(u)) {
		return skip(SkipSafeListed)
	}

	if !parsed || !normalize.IsWeb(obs.URL) {
		return skip(SkipInternal)
	}
	if obs.Title == "" {
		return skip(SkipNoTitle)
	}
	if filters.nonContent(normalize.Host(u), u.EscapedPath()) {
		return skip(SkipNonContent)
	}

	if !p.advanceTab(tabID, obs) {
		return Result{Decision: models.DecisionAllow, Outcome: OutcomeDuplicate}
	}

	key := p.norm.Normalize(obs.URL)
	if !p.coord.Cooldown.ShouldProcess(key) {
		return Result{Decision: models.DecisionAllow, Outcome: OutcomeCooldown, Key: key}
	}

	if entry := p.cache.Get(ctx, obs.URL); caching.IsValid(entry, p.cache.Version(ctx)) {
		res := Result{
			Decision:     entry.Decision,
			Outcome:      OutcomeCached,
			Key:          key,
			Reason:       entry.Reason,
			ActivePrompt: entry.ActivePrompt,
		}
		p.record(ctx, models.ActivityLogEntry{URL: obs.URL, Reason: entry.Reason, Decision: entry.Decision, PageTitle: obs.Title})
		if entry.Decision == models.DecisionBlock {
			res.Redirected = p.redirect(ctx, tabID, obs.URL, entry.Reason)
		}
		return res
	}

	resp, shared, err := p.coord.Coalescer.Run(ctx, key, func(ctx context.Context) (models.ClassifierResponse, error) {
		return p.checkRemote(ctx, obs)
	})
	if err != nil {
		return p.failed(ctx, tabID, key, obs, err)
	}

	res := Result{
		Decision:     resp.Decision,
		Outcome:      OutcomeChecked,
		Key:          key,
		Reason:       resp.Reason,
		ActivePrompt: resp.ActivePrompt,
		Shared:       shared,
	}
	if resp.Decision == models.DecisionBlock {
		res.Redirected = p.redirect(ctx, tabID, obs.URL, resp.Reason)
	}
	return res
}

// checkRemote runs once per coalesced key: it asks the classifier, applies
// a newer cache version, caches the decision and logs it.
func (p *Pipeline) checkRemote(ctx context.Context, obs models.PageObservation) (models.ClassifierResponse, error) {
	resp, err := p.classifier.Check(ctx, obs)
	if err != nil {
		return resp, err
	}

	if resp.CacheVersion > 0 {
		if _, err := p.cache.AdvanceVersion(ctx, resp.CacheVersion); err != nil {
			p.logger.Warn("Failed to apply cache version", "version", resp.CacheVersion, "error", err)
		}
	}

	if caching.IsTimeSensitive(resp.Reason) {
		p.logger.Debug("Not caching time-sensitive decision", "url", obs.URL, "reason", resp.Reason)
	} else {
		entry := models.CacheEntry{
			Decision:     resp.Decision,
			Reason:       resp.Reason,
			Title:        firstNonEmpty(resp.Title, obs.Title),
			ActivePrompt: resp.ActivePrompt,
		}
		if err := p.cache.Set(ctx, obs.URL, entry); err != nil {
			p.logger.Warn("Failed to cache decision", "url", obs.URL, "error", err)
		}
	}

	p.record(ctx, models.ActivityLogEntry{URL: obs.URL, Reason: resp.Reason, Decision: resp.Decision, PageTitle: obs.Title})
	return resp, nil
}

func (p *Pipeline) failed(ctx context.Context, tabID int, key string, obs models.PageObservation, err error) Result {
	res := Result{Decision: models.DecisionAllow, Key: key}

	switch {
	case errors.Is(err, classifier.ErrUnauthorized):
		res.Outcome = OutcomeUnauthorized
		p.logger.Warn("Classifier rejected credential, clearing it", "tab_id", tabID, "error", err)
		if cerr := p.credential.Clear(ctx); cerr != nil {
			p.logger.Error("Failed to clear credential", "error", cerr)
		}
	case errors.Is(err, classifier.ErrPaymentRequired):
		res.Outcome = OutcomePaymentRequired
		due, berr := p.billingDue(ctx)
		if berr != nil {
			p.logger.Warn("Failed to read billing prompt state", "error", berr)
		}
		if due {
			if oerr := p.billing.OpenBilling(ctx, p.opts.BillingURL); oerr != nil {
				p.logger.Warn("Failed to open billing page", "error", oerr)
			}
		}
	default:
		res.Outcome = OutcomeFailed
		res.Err = err.Error()
		p.logger.Error("Decision failed, allowing page", "tab_id", tabID, "url", obs.URL, "error", err)
	}
	return res
}

// advanceTab records obs as the tab's latest observation. It returns
// false when the URL is unchanged since the last one; a title-only change
// is relabeling noise.
func (p *Pipeline) advanceTab(tabID int, obs models.PageObservation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.tabs[tabID]
	if ok && st.LastURL == obs.URL {
		return false
	}
	if !ok {
		st = &TabState{}
		p.tabs[tabID] = st
	}
	st.LastURL = obs.URL
	st.LastTitle = obs.Title
	return true
}

// redirect sends the tab to the interstitial unless it was already
// redirected for this exact URL.
func (p *Pipeline) redirect(ctx context.Context, tabID int, pageURL, reason string) bool {
	p.mu.Lock()
	st := p.tabs[tabID]
	already := st != nil && st.BlockedURL == pageURL
	p.mu.Unlock()
	if already {
		return false
	}

	if err := p.redirector.Redirect(ctx, tabID, interstitial(p.opts.InterstitialURL, pageURL, reason)); err != nil {
		p.logger.Warn("Redirect failed", "tab_id", tabID, "url", pageURL, "error", err)
		return false
	}

	p.mu.Lock()
	if st := p.tabs[tabID]; st != nil {
		st.BlockedURL = pageURL
	}
	p.mu.Unlock()
	return true
}

// record appends to the activity log and uploads what was written.
func (p *Pipeline) record(ctx context.Context, entry models.ActivityLogEntry) {
	written, ok, err := p.log.Append(ctx, entry)
	if err != nil {
		p.logger.Warn("Failed to write activity log", "url", entry.URL, "error", err)
		return
	}
	if !ok {
		return
	}
	p.uploads.Add(1)
	go func() {
		defer p.uploads.Done()
		p.classifier.LogEvent(context.WithoutCancel(ctx), written)
	}()
}

// NavigationStarted forgets the tab's last observation so the next one is
// evaluated afresh.
func (p *Pipeline) NavigationStarted(tabID int) {
	p.mu.Lock()
	delete(p.tabs, tabID)
	p.mu.Unlock()
}

// TabClosed drops the tab's state and finalizes its short-form session.
func (p *Pipeline) TabClosed(ctx context.Context, tabID int) error {
	return p.coord.Tabs.WithLock(ctx, tabID, func(ctx context.Context) error {
		p.NavigationStarted(tabID)
		if _, err := p.sessions.End(ctx, tabID, "tab closed"); err != nil {
			return fmt.Errorf("failed to end session for tab %d: %w", tabID, err)
		}
		return nil
	})
}

// ObserveCacheVersion applies a version announced outside a check, e.g.
// by the dashboard.
func (p *Pipeline) ObserveCacheVersion(ctx context.Context, v int64) (bool, error) {
	return p.cache.AdvanceVersion(ctx, v)
}

// Tab returns a copy of the tab's state.
func (p *Pipeline) Tab(tabID int) (TabState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.tabs[tabID]
	if !ok {
		return TabState{}, false
	}
	return *st, true
}

// Close waits for pending log uploads and flushes session state.
func (p *Pipeline) Close() error {
	p.uploads.Wait()
	if err := p.sessions.Flush(context.Background()); err != nil {
		return fmt.Errorf("failed to flush sessions on close: %w", err)
	}
	return nil
}

func interstitial(base, pageURL, reason string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("url", pageURL)
	if reason != "" {
		q.Set("reason", reason)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type nopActions struct{}

func (nopActions) Redirect(context.Context, int, string) error { return nil }
func (nopActions) OpenBilling(context.Context, string) error   { return nil }
