package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrOverBudget is returned when a reservation does not fit the memory budget.
var ErrOverBudget = errors.New("resource: memory budget exhausted")

// Config holds the limits of one Controller.
type Config struct {
	// MemoryBudget caps bytes reserved by buffers and caches. 0 only tracks.
	MemoryBudget int64

	// MergeSlots is the number of merges that may run at once. Defaults to 1.
	MergeSlots int

	// MergeBytesPerSec caps merge output throughput. 0 is unlimited.
	MergeBytesPerSec int64
}

// Controller accounts memory and hands out merge capacity. A nil
// *Controller imposes no limits.
type Controller struct {
	budget   *semaphore.Weighted // nil when untracked
	reserved atomic.Int64

	slots  *semaphore.Weighted
	output *rate.Limiter // nil when unthrottled
}

func NewController(cfg Config) *Controller {
	c := &Controller{slots: semaphore.NewWeighted(int64(max(cfg.MergeSlots, 1)))}
	if cfg.MemoryBudget > 0 {
		c.budget = semaphore.NewWeighted(cfg.MemoryBudget)
	}
	if cfg.MergeBytesPerSec > 0 {
		// One second of output is the largest single wait.
		c.output = rate.NewLimiter(rate.Limit(cfg.MergeBytesPerSec), int(cfg.MergeBytesPerSec))
	}
	return c
}

// Reserve charges n bytes against the budget without blocking.
func (c *Controller) Reserve(n int64) error {
	if c == nil || n <= 0 {
		return nil
	}
	if c.budget != nil && !c.budget.TryAcquire(n) {
		return ErrOverBudget
	}
	c.reserved.Add(n)
	return nil
}

// Release returns n previously reserved bytes.
func (c *Controller) Release(n int64) {
	if c == nil || n <= 0 {
		return
	}
	if c.budget != nil {
		c.budget.Release(n)
	}
	c.reserved.Add(-n)
}

// Reserved reports the bytes currently reserved.
func (c *Controller) Reserved() int64 {
	if c == nil {
		return 0
	}
	return c.reserved.Load()
}

// AcquireMergeSlot blocks until a merge may start or ctx is done.
func (c *Controller) AcquireMergeSlot(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.slots.Acquire(ctx, 1)
}

func (c *Controller) TryAcquireMergeSlot() bool {
	return c == nil || c.slots.TryAcquire(1)
}

func (c *Controller) ReleaseMergeSlot() {
	if c != nil {
		c.slots.Release(1)
	}
}

// WaitMergeOutput blocks until n more bytes of merge output are allowed.
func (c *Controller) WaitMergeOutput(ctx context.Context, n int) error {
	if c == nil || c.output == nil {
		return nil
	}
	for burst := c.output.Burst(); n > 0; n -= burst {
		if err := c.output.WaitN(ctx, min(n, burst)); err != nil {
			return err
		}
	}
	return nil
}
