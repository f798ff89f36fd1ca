package index

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segidx/internal/resource"
)

func TestLiveDocs(t *testing.T) {
	l := NewLiveDocs(4)
	assert.Equal(t, 4, l.NumLive())

	assert.True(t, l.MarkDeleted(2))
	assert.False(t, l.MarkDeleted(2))
	assert.False(t, l.MarkDeleted(7))
	assert.False(t, l.MarkDeleted(-1))
	assert.False(t, l.IsLive(2))
	assert.True(t, l.IsLive(3))
	assert.Equal(t, 1, l.NumDeleted())

	snap := l.Freeze()
	c := l.Clone()
	l.MarkDeleted(0)
	assert.True(t, snap.Contains(0))
	assert.True(t, c.IsLive(0))
	assert.False(t, c.Equal(l))
	c.MarkDeleted(0)
	assert.True(t, c.Equal(l))
}

func TestSegmentState_Transitions(t *testing.T) {
	tests := []struct {
		from, to SegmentState
		ok       bool
	}{
		{StateBuilding, StateFlushed, true},
		{StateBuilding, StateCommitted, false},
		{StateFlushed, StateCommitted, true},
		{StateFlushed, StateMerging, false},
		{StateCommitted, StateMerging, true},
		{StateMerging, StateCommitted, true},
		{StateMerging, StateRetired, true},
		{StateRetired, StateCommitted, false},
		{StateRetired, StateRetired, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestInvariantViolationError(t *testing.T) {
	err := &InvariantViolationError{Segment: "_3", Op: "merge", State: StateRetired}
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Contains(t, err.Error(), "retired")
}

func TestKeepLastCommits(t *testing.T) {
	commits := []*CommitPoint{{Generation: 1}, {Generation: 2}, {Generation: 3}}
	assert.Empty(t, KeepLastCommits{N: 3}.OnCommit(commits))
	assert.Equal(t, commits[:1], KeepLastCommits{N: 2}.OnCommit(commits))
	assert.Equal(t, commits[:2], KeepOnlyLastCommit{}.OnCommit(commits))
	assert.Equal(t, commits[:2], KeepLastCommits{}.OnCommit(commits))
}

func TestCommitPoint_Files(t *testing.T) {
	c := &CommitPoint{Generation: 12}
	assert.Equal(t, "segments_12", c.FileName())
	assert.Equal(t, []string{"segments_12"}, c.Files())
	assert.Equal(t, "pending_segments_12", pendingSegmentsFileName(12))

	gen, ok := parseGeneration("segments_12", segmentsPrefix)
	assert.True(t, ok)
	assert.Equal(t, int64(12), gen)
	_, ok = parseGeneration("segments_x", segmentsPrefix)
	assert.False(t, ok)
	_, ok = parseGeneration("segments_0", segmentsPrefix)
	assert.False(t, ok)

	assert.Equal(t, []int64{2, 10}, commitGenerations([]string{"segments_10", "_0.si", "pending_segments_11", "segments_2"}))
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MergeWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.OpenMode = "truncate"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MergePolicy.TierFactor = 1
	assert.Error(t, cfg.Validate())
}

func TestMergeScheduler_RunsInOrder(t *testing.T) {
	rc := resource.NewController(resource.Config{MergeSlots: 1})
	var depths []int
	var mu sync.Mutex
	s := NewMergeScheduler(1, rc, func(d int) {
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	})

	var (
		order []int
		wg    sync.WaitGroup
	)
	wg.Add(3)
	for i := range 3 {
		require.NoError(t, s.Submit(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	s.Close()

	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, s.Depth())
	mu.Lock()
	assert.Equal(t, 0, depths[len(depths)-1])
	mu.Unlock()
	assert.ErrorIs(t, s.Submit(func(context.Context) {}), ErrClosed)
}

func TestMergeScheduler_BoundsConcurrency(t *testing.T) {
	rc := resource.NewController(resource.Config{MergeSlots: 2})
	s := NewMergeScheduler(4, rc, nil)
	defer s.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(8)
	for range 8 {
		require.NoError(t, s.Submit(func(context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestMergeScheduler_CloseCancelsTasks(t *testing.T) {
	s := NewMergeScheduler(1, resource.NewController(resource.Config{}), nil)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, s.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started
	s.Close()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
}
