package coord

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/dtnitsch/pagewarden/models"
)

// CheckFunc produces a decision for one key.
type CheckFunc func(ctx context.Context) (models.ClassifierResponse, error)

// Coalescer allows at most one outstanding call per key. Callers that
// arrive while a call is running wait for and share its result.
type Coalescer struct {
	group    singleflight.Group
	inflight atomic.Int64
}

// NewCoalescer creates an empty Coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// Run executes fn for key unless a call for key is already running, in
// which case it waits for that call. shared reports whether the result
// was delivered to more than one caller.
//
// fn runs detached from ctx cancellation so that one caller giving up
// does not fail the others; fn is expected to bound itself with its own
// timeout. A cancelled ctx only stops this caller from waiting.
func (c *Coalescer) Run(ctx context.Context, key string, fn CheckFunc) (resp models.ClassifierResponse, shared bool, err error) {
	detached := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (v interface{}, err error) {
		c.inflight.Add(1)
		defer c.inflight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("check for %s panicked: %v", key, r)
			}
		}()
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.ClassifierResponse{}, res.Shared, res.Err
		}
		return res.Val.(models.ClassifierResponse), res.Shared, nil
	case <-ctx.Done():
		return models.ClassifierResponse{}, false, ctx.Err()
	}
}

// InFlight returns the number of calls currently running.
func (c *Coalescer) InFlight() int {
	return int(c.inflight.Load())
}
