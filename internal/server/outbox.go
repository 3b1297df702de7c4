package server

import (
	"context"
	"sync"
	"time"
)

// Action is a side effect the extension has to carry out.
type Action struct {
	Type  string    `json:"type" yaml:"type"`
	TabID int       `json:"tabId,omitempty" yaml:"tab_id,omitempty"`
	URL   string    `json:"url" yaml:"url"`
	At    time.Time `json:"at" yaml:"at"`
}

const (
	ActionRedirect = "redirect"
	ActionBilling  = "billing"
)

// Outbox queues redirect and billing actions until the extension polls
// for them. When full, the oldest action is dropped.
type Outbox struct {
	mu      sync.Mutex
	actions []Action
	limit   int
	now     func() time.Time
}

// NewOutbox creates an Outbox holding at most limit actions.
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = 256
	}
	return &Outbox{limit: limit, now: time.Now}
}

// Redirect queues a tab redirect.
func (o *Outbox) Redirect(ctx context.Context, tabID int, target string) error {
	o.push(Action{Type: ActionRedirect, TabID: tabID, URL: target})
	return nil
}

// OpenBilling queues opening the billing page.
func (o *Outbox) OpenBilling(ctx context.Context, target string) error {
	o.push(Action{Type: ActionBilling, URL: target})
	return nil
}

// Drain returns and removes every queued action, oldest first.
func (o *Outbox) Drain() []Action {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.actions
	o.actions = nil
	if out == nil {
		out = []Action{}
	}
	return out
}

func (o *Outbox) push(a Action) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a.At = o.now()
	if len(o.actions) >= o.limit {
		o.actions = o.actions[1:]
	}
	o.actions = append(o.actions, a)
}
