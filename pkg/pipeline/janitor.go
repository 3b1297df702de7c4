package pipeline

import (
	"context"
	"time"
)

// Run restores persisted session state, then performs periodic upkeep
// until ctx ends: session flushes every SessionFlushInterval, and cooldown
// sweeps, cache cleanup and log retention every JanitorInterval. Sessions
// are flushed one last time on the way out.
func (p *Pipeline) Run(ctx context.Context) error {
	if n, err := p.sessions.Rehydrate(ctx); err != nil {
		p.logger.Warn("Failed to restore sessions", "error", err)
	} else if n > 0 {
		p.logger.Info("Restored short-form sessions", "count", n)
	}
	p.sweep(ctx)

	flush := time.NewTicker(positive(p.opts.SessionFlushInterval, 5*time.Second))
	defer flush.Stop()
	janitor := time.NewTicker(positive(p.opts.JanitorInterval, time.Minute))
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.sessions.Flush(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("Final session flush failed", "error", err)
			}
			return nil
		case <-flush.C:
			if err := p.sessions.Flush(ctx); err != nil {
				p.logger.Warn("Session flush failed", "error", err)
			}
		case <-janitor.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	swept := p.coord.Cooldown.Sweep()

	evicted, err := p.cache.Cleanup(ctx)
	if err != nil {
		p.logger.Warn("Cache cleanup failed", "error", err)
	}

	pruned, err := p.log.Prune(ctx)
	if err != nil {
		p.logger.Warn("Activity log pruning failed", "error", err)
	}

	if swept+evicted+pruned > 0 {
		p.logger.Debug("Janitor pass", "cooldown_swept", swept, "cache_evicted", evicted, "log_pruned", pruned)
	}
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
