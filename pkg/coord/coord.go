// Package coord holds the in-memory coordination primitives of the decision
// pipeline: per-key cooldown, in-flight request coalescing and per-tab
// serialization. All state is process-local and starts empty.
package coord

import "time"

// Context bundles one isolated set of coordination primitives.
type Context struct {
	Cooldown  *Cooldown
	Coalescer *Coalescer
	Tabs      *TabLock
}

// New creates a Context with the given cooldown window.
func New(window time.Duration) *Context {
	return &Context{
		Cooldown:  NewCooldown(window),
		Coalescer: NewCoalescer(),
		Tabs:      NewTabLock(),
	}
}
