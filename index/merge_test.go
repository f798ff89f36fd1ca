package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/segidx/document"
	"github.com/hupe1980/segidx/store"
)

func TestMerge_KeepsPendingDeletesPending(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	w := openTestWriter(t, dir)

	addDocs(t, w, greek, "1", "2")
	require.NoError(t, w.Flush(ctx))
	addDocs(t, w, greek, "3")
	_, err := w.Commit(ctx, nil)
	require.NoError(t, err)

	_, err = w.DeleteDocuments(ctx, Term{Field: "id", Text: "1"})
	require.NoError(t, err)
	require.NoError(t, w.ForceMerge(ctx, 1))

	// The merge commit carries only what was committed before.
	r := openTestReader(t, dir)
	require.Len(t, r.Leaves(), 1)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, liveBodies(t, r))

	// The delete moved onto the merged segment.
	assert.Equal(t, 2, w.NumDocs())
	assert.True(t, w.HasUncommittedChanges())
	_, err = w.Commit(ctx, nil)
	require.NoError(t, err)
	r2 := openTestReader(t, dir)
	assert.Equal(t, []string{"beta", "gamma"}, liveBodies(t, r2))
}

func TestMerge_IgnoresUncommittedSegments(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	w := openTestWriter(t, dir)

	addDocs(t, w, greek, "1")
	require.NoError(t, w.Flush(ctx))
	addDocs(t, w, greek, "2")
	_, err := w.Commit(ctx, nil)
	require.NoError(t, err)

	addDocs(t, w, greek, "3")
	require.NoError(t, w.Flush(ctx))
	require.NoError(t, w.ForceMerge(ctx, 1))

	states := map[SegmentState]int{}
	for _, s := range w.Stats().Segments {
		states[s.State]++
	}
	assert.Equal(t, map[SegmentState]int{StateCommitted: 1, StateFlushed: 1}, states)

	r := openTestReader(t, dir)
	assert.Equal(t, []string{"alpha", "beta"}, liveBodies(t, r))

	_, err = w.Commit(ctx, nil)
	require.NoError(t, err)
	r2 := openTestReader(t, dir)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, liveBodies(t, r2))
}

func TestMerge_ForceMergeDeletes(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	w := openTestWriter(t, dir)

	addDocs(t, w, greek, "1", "2")
	require.NoError(t, w.Flush(ctx))
	addDocs(t, w, greek, "3", "4")
	_, err := w.Commit(ctx, nil)
	require.NoError(t, err)

	_, err = w.DeleteDocuments(ctx, Term{Field: "id", Text: "4"})
	require.NoError(t, err)
	_, err = w.Commit(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, w.ForceMergeDeletes(ctx))
	c := w.LastCommit()
	require.Len(t, c.Segments, 2)
	for _, sci := range c.Segments {
		assert.False(t, sci.HasDeletions(), sci.Info.Name)
	}
	r := openTestReader(t, dir)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, liveBodies(t, r))
}

func TestMerge_InvalidMaxSegments(t *testing.T) {
	dir, _ := newTestDir()
	w := openTestWriter(t, dir)
	require.Error(t, w.ForceMerge(context.Background(), 0))
}

func TestMerge_AutoMergeAfterCommit(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	m := &recordingMetrics{}
	mp := DefaultConfig().MergePolicy
	mp.SegmentsPerTier = 2
	mp.MaxMergeAtOnce = 2
	w := openTestWriter(t, dir,
		WithAutoMerge(true),
		WithMetrics(m),
		WithMergeWorkers(2),
		WithMergePolicyConfig(mp),
	)

	addDocs(t, w, greek, "1")
	_, err := w.Commit(ctx, nil)
	require.NoError(t, err)
	addDocs(t, w, greek, "2")
	_, err = w.Commit(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, w.WaitForMerges(ctx))
	assert.GreaterOrEqual(t, m.merges.Load(), int64(1))
	assert.Len(t, w.LastCommit().Segments, 1)

	r := openTestReader(t, dir)
	assert.Equal(t, []string{"alpha", "beta"}, liveBodies(t, r))
}

func TestMerge_ThrottledMergeIsComplete(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	w := openTestWriter(t, dir, WithMergeIOLimit(1<<30), WithBlockCacheSize(0))

	for i := range 3 {
		for j := range 5 {
			id := fmt.Sprintf("%d-%d", i, j)
			require.NoError(t, w.AddDocument(ctx, testDoc(id, "word "+id)))
		}
		require.NoError(t, w.Flush(ctx))
	}
	_, err := w.Commit(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.ForceMerge(ctx, 1))

	r := openTestReader(t, dir)
	require.Len(t, r.Leaves(), 1)
	assert.Equal(t, 15, r.NumDocs())
	freq, err := r.DocFreq(Term{Field: "body", Text: "word"})
	require.NoError(t, err)
	assert.Equal(t, 15, freq)
}

func TestMerge_DocValuesSurvive(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	w := openTestWriter(t, dir)

	add := func(id string, n int64, tag string) {
		require.NoError(t, w.AddDocument(ctx, document.New(
			document.NewStringField("id", id, true),
			document.NewNumericDocValuesField("n", n),
			document.NewSortedDocValuesField("tag", []byte(tag)),
			document.NewBinaryDocValuesField("raw", []byte("raw-"+id)),
		)))
	}
	add("a", 10, "red")
	add("b", 20, "blue")
	require.NoError(t, w.Flush(ctx))
	add("c", 30, "green")
	require.NoError(t, w.AddDocument(ctx, document.New(document.NewStringField("id", "d", true))))
	_, err := w.Commit(ctx, nil)
	require.NoError(t, err)

	_, err = w.DeleteDocuments(ctx, Term{Field: "id", Text: "b"})
	require.NoError(t, err)
	_, err = w.Commit(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.ForceMerge(ctx, 1))

	r := openTestReader(t, dir)
	require.Len(t, r.Leaves(), 1)
	leaf := r.Leaves()[0]
	require.Equal(t, 3, leaf.MaxDoc())

	n, ok := leaf.NumericValue("n", 1)
	require.True(t, ok)
	assert.Equal(t, int64(30), n)
	_, ok = leaf.NumericValue("n", 2)
	assert.False(t, ok)

	v, _, ok := leaf.SortedValue("tag", 0)
	require.True(t, ok)
	assert.Equal(t, "red", string(v))
	sdv, ok := leaf.SortedDocValues("tag")
	require.True(t, ok)
	assert.Equal(t, 2, sdv.ValueCount())

	raw, ok := leaf.BinaryValue("raw", 1)
	require.True(t, ok)
	assert.Equal(t, "raw-c", string(raw))
}

func TestMerge_OverlappingCandidatesAreSkipped(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	policy := &fixedPolicy{}
	w := openTestWriter(t, dir, WithMergePolicy(policy))

	for _, id := range []string{"1", "2", "3"} {
		addDocs(t, w, greek, id)
		require.NoError(t, w.Flush(ctx))
	}
	c, err := w.Commit(ctx, nil)
	require.NoError(t, err)
	require.Len(t, c.Segments, 3)
	a, b, d := c.Segments[0].Info.Name, c.Segments[1].Info.Name, c.Segments[2].Info.Name
	policy.candidates = []MergeCandidate{
		{Segments: []string{a, b}, Reason: "first"},
		{Segments: []string{b, d}, Reason: "overlap"},
	}

	require.NoError(t, w.MaybeMerge(ctx))
	require.NoError(t, w.WaitForMerges(ctx))

	segs := w.LastCommit().Segments
	require.Len(t, segs, 2)
	assert.Equal(t, d, segs[1].Info.Name)
	assert.Equal(t, 2, segs[0].Info.MaxDoc)

	r := openTestReader(t, dir)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, liveBodies(t, r))
}

type fixedPolicy struct {
	candidates []MergeCandidate
}

func (p *fixedPolicy) FindMerges([]SegmentStats) []MergeCandidate {
	out := p.candidates
	p.candidates = nil
	return out
}

func (p *fixedPolicy) FindForcedMerges([]SegmentStats, int) []MergeCandidate { return nil }

func (p *fixedPolicy) FindForcedDeletesMerges([]SegmentStats) []MergeCandidate { return nil }

func TestMerge_RollbackAbortsAndRestores(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	policy := &fixedPolicy{}
	w := openTestWriter(t, dir, WithMergePolicy(policy))

	addDocs(t, w, greek, "1")
	require.NoError(t, w.Flush(ctx))
	addDocs(t, w, greek, "2")
	c, err := w.Commit(ctx, nil)
	require.NoError(t, err)
	policy.candidates = []MergeCandidate{{Segments: []string{c.Segments[0].Info.Name, c.Segments[1].Info.Name}}}

	// The merge either commits before the rollback or is aborted by it.
	require.NoError(t, w.MaybeMerge(ctx))
	require.NoError(t, w.Rollback(ctx))
	require.NoError(t, w.WaitForMerges(ctx))

	for _, s := range w.Stats().Segments {
		assert.Equal(t, StateCommitted, s.State)
	}
	assert.Equal(t, 2, w.NumDocs())
	status, err := CheckIndex(ctx, dir)
	require.NoError(t, err)
	assert.True(t, status.Clean())
}

func TestMerge_RegisterClaimsAtomically(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	w := openTestWriter(t, dir)

	addDocs(t, w, greek, "1")
	require.NoError(t, w.Flush(ctx))
	addDocs(t, w, greek, "2")
	c, err := w.Commit(ctx, nil)
	require.NoError(t, err)
	names := []string{c.Segments[0].Info.Name, c.Segments[1].Info.Name}

	w.mu.Lock()
	m, err := w.registerMergeLocked(MergeCandidate{Segments: names}, 0)
	require.NoError(t, err)
	_, err = w.registerMergeLocked(MergeCandidate{Segments: names[:1]}, 0)
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Empty(t, w.mergeableStatsLocked())
	w.mu.Unlock()

	w.finishMerge(ctx, m, ErrMergeAborted)
	w.mu.Lock()
	assert.Len(t, w.mergeableStatsLocked(), 2)
	w.mu.Unlock()
}

func TestMerge_LiveDocsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("merging keeps exactly the live documents in order", prop.ForAll(
		func(sizes []int, deleted []bool) bool {
			ctx := context.Background()
			dir, _ := newTestDir()
			w, err := OpenWriter(ctx, dir, WithAutoMerge(false))
			if err != nil {
				return false
			}
			defer w.Close(ctx)

			var want []string
			id := 0
			for _, n := range sizes {
				for range n {
					body := fmt.Sprintf("doc%d", id)
					if err := w.AddDocument(ctx, testDoc(fmt.Sprint(id), body)); err != nil {
						return false
					}
					if !deleted[id%len(deleted)] {
						want = append(want, body)
					}
					id++
				}
				if err := w.Flush(ctx); err != nil {
					return false
				}
			}
			if _, err := w.Commit(ctx, nil); err != nil {
				return false
			}
			for i := range id {
				if deleted[i%len(deleted)] {
					if _, err := w.DeleteDocuments(ctx, Term{Field: "id", Text: fmt.Sprint(i)}); err != nil {
						return false
					}
				}
			}
			if _, err := w.Commit(ctx, nil); err != nil {
				return false
			}
			if err := w.ForceMerge(ctx, 1); err != nil {
				return false
			}

			got, err := readBodies(ctx, dir)
			if err != nil {
				return false
			}
			return slices.Equal(got, want) && len(w.LastCommit().Segments) <= 1
		},
		gen.SliceOfN(4, gen.IntRange(1, 6)),
		gen.SliceOfN(7, gen.Bool()),
	))

	properties.TestingRun(t)
}

func readBodies(ctx context.Context, dir *store.Directory) ([]string, error) {
	r, err := OpenReader(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer r.Close(ctx)

	var out []string
	for doc := range r.LiveDocs() {
		fields, err := r.Document(doc)
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			if f.Name == "body" {
				out = append(out, f.Value.Str)
			}
		}
	}
	return out, nil
}

func TestMerge_CommittedDeletesDuringThrottledMerge(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	w := openTestWriter(t, dir, WithMergeIOLimit(1<<10), WithBlockCacheSize(0))

	for i := range 3 {
		for j := range 20 {
			id := fmt.Sprintf("%d-%d", i, j)
			require.NoError(t, w.AddDocument(ctx, testDoc(id, "word "+id)))
		}
		require.NoError(t, w.Flush(ctx))
	}
	_, err := w.Commit(ctx, nil)
	require.NoError(t, err)

	merged := make(chan error, 1)
	go func() { merged <- w.ForceMerge(ctx, 1) }()
	require.Eventually(t, func() bool { return w.Stats().RunningMerges > 0 },
		5*time.Second, time.Millisecond)

	var committed []string
	for i := range 3 {
		committed = append(committed, fmt.Sprintf("%d-0", i), fmt.Sprintf("%d-7", i))
	}
	for _, id := range committed {
		n, err := w.DeleteDocuments(ctx, Term{Field: "id", Text: id})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	_, err = w.Commit(ctx, nil)
	require.NoError(t, err)
	n, err := w.DeleteDocuments(ctx, Term{Field: "id", Text: "1-5"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case err := <-merged:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("merge did not finish")
	}

	r := openTestReader(t, dir)
	require.Len(t, r.Leaves(), 1)
	assert.Equal(t, 54, r.NumDocs())
	for _, id := range committed {
		docs, err := r.TermDocs(Term{Field: "id", Text: id})
		require.NoError(t, err)
		assert.Empty(t, docs, id)
	}

	// The uncommitted delete survives the merge.
	assert.Equal(t, 53, w.NumDocs())
	_, err = w.Commit(ctx, nil)
	require.NoError(t, err)
	r2 := openTestReader(t, dir)
	assert.Equal(t, 53, r2.NumDocs())
	docs, err := r2.TermDocs(Term{Field: "id", Text: "1-5"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMerge_ConcurrentWritersMergesAndReaders(t *testing.T) {
	ctx := context.Background()
	dir, _ := newTestDir()
	mp := DefaultConfig().MergePolicy
	mp.SegmentsPerTier = 2
	mp.MaxMergeAtOnce = 2
	w := openTestWriter(t, dir,
		WithAutoMerge(true),
		WithMergeWorkers(2),
		WithMergePolicyConfig(mp),
	)

	const rounds, perRound = 10, 10
	done := make(chan struct{})
	var writers errgroup.Group
	for _, prefix := range []string{"a", "b"} {
		writers.Go(func() error {
			for round := range rounds {
				for i := range perRound {
					id := fmt.Sprintf("%s-%d-%d", prefix, round, i)
					if err := w.AddDocument(ctx, testDoc(id, "word "+id)); err != nil {
						return err
					}
					if prefix == "b" && i%2 == 0 {
						if _, err := w.DeleteDocuments(ctx, Term{Field: "id", Text: id}); err != nil {
							return err
						}
					}
				}
				if _, err := w.Commit(ctx, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var readers errgroup.Group
	for range 2 {
		readers.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				r, err := w.Reader(ctx)
				if errors.Is(err, ErrNoCommit) {
					continue
				}
				if err != nil {
					return err
				}
				live := 0
				for doc := range r.LiveDocs() {
					if _, err := r.Document(doc); err != nil {
						_ = r.Close(ctx)
						return err
					}
					live++
				}
				if live != r.NumDocs() {
					_ = r.Close(ctx)
					return fmt.Errorf("reader saw %d live docs, NumDocs %d", live, r.NumDocs())
				}
				if err := r.Close(ctx); err != nil {
					return err
				}
			}
		})
	}

	require.NoError(t, writers.Wait())
	close(done)
	require.NoError(t, readers.Wait())
	require.NoError(t, w.WaitForMerges(ctx))
	_, err := w.Commit(ctx, nil)
	require.NoError(t, err)

	want := rounds*perRound + rounds*perRound/2
	assert.Equal(t, want, w.NumDocs())
	r := openTestReader(t, dir)
	assert.Equal(t, want, r.NumDocs())
	kept := 0
	for doc := range r.LiveDocs() {
		if strings.HasPrefix(storedString(t, r, doc, "id"), "b-") {
			kept++
		}
	}
	assert.Equal(t, rounds*perRound/2, kept)
}
