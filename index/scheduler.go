package index

import (
	"context"
	"sync"

	"github.com/hupe1980/segidx/internal/resource"
)

// MergeScheduler runs merge tasks from a FIFO queue on a fixed pool of
// workers. Each running task holds a background slot of the resource
// controller.
type MergeScheduler struct {
	rc      *resource.Controller
	onDepth func(int)

	mu      sync.Mutex
	queue   []func(context.Context)
	running int
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMergeScheduler starts workers goroutines. onDepth, if set, receives the
// number of queued plus running tasks whenever it changes.
func NewMergeScheduler(workers int, rc *resource.Controller, onDepth func(int)) *MergeScheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &MergeScheduler{
		rc:      rc,
		onDepth: onDepth,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(workers)
	for range workers {
		go s.worker()
	}
	return s
}

// Submit enqueues task. It never blocks.
func (s *MergeScheduler) Submit(task func(context.Context)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, task)
	depth := len(s.queue) + s.running
	s.mu.Unlock()

	s.reportDepth(depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of queued and running tasks.
func (s *MergeScheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + s.running
}

func (s *MergeScheduler) reportDepth(depth int) {
	if s.onDepth != nil {
		s.onDepth(depth)
	}
}

func (s *MergeScheduler) next() (func(context.Context), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, s.closed
	}
	task := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.running++
	return task, false
}

func (s *MergeScheduler) worker() {
	defer s.wg.Done()

	for {
		task, done := s.next()
		if done {
			return
		}
		if task == nil {
			select {
			case <-s.wake:
			case <-s.ctx.Done():
			}
			continue
		}

		if err := s.rc.AcquireMergeSlot(s.ctx); err == nil {
			task(s.ctx)
			s.rc.ReleaseMergeSlot()
		} else {
			// Shutting down: let the task observe the cancelled context.
			task(s.ctx)
		}

		s.mu.Lock()
		s.running--
		depth := len(s.queue) + s.running
		s.mu.Unlock()
		s.reportDepth(depth)

		// Hand the wake-up on so idle workers see remaining work.
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Close cancels running tasks, drains the queue and stops the workers.
func (s *MergeScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
