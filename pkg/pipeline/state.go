package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dtnitsch/pagewarden/pkg/storage"
)

const (
	// PausedKey holds the global pause flag.
	PausedKey = "paused"
	// BillingPromptKey holds when the billing page was last opened.
	BillingPromptKey = "lastBillingPromptAt"
)

// TabState is what the pipeline remembers about a tab between observations.
type TabState struct {
	LastURL    string
	BlockedURL string

	// LastTitle is kept for inspection only; a title change on the same
	// URL does not trigger a new check.
	LastTitle string
}

// SetPaused turns blocking off or back on.
func SetPaused(ctx context.Context, store storage.Store, paused bool) error {
	if err := storage.SetJSON(ctx, store, PausedKey, paused); err != nil {
		return fmt.Errorf("failed to store pause flag: %w", err)
	}
	return nil
}

// IsPaused reports the pause flag. A read error counts as not paused.
func IsPaused(ctx context.Context, store storage.Store) bool {
	var paused bool
	if _, err := storage.GetJSON(ctx, store, PausedKey, &paused); err != nil {
		return false
	}
	return paused
}

// billingDue reports whether the billing page may be opened now and, if
// so, records the prompt time.
func (p *Pipeline) billingDue(ctx context.Context) (bool, error) {
	p.billingMu.Lock()
	defer p.billingMu.Unlock()

	var last time.Time
	if _, err := storage.GetJSON(ctx, p.store, BillingPromptKey, &last); err != nil {
		return false, err
	}
	now := p.now()
	if !last.IsZero() && now.Sub(last) < p.opts.BillingPromptInterval {
		return false, nil
	}
	if err := storage.SetJSON(ctx, p.store, BillingPromptKey, now); err != nil {
		return false, err
	}
	return true, nil
}
