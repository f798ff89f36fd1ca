package index

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *TieredMergePolicy {
	return NewTieredMergePolicy(MergePolicyConfig{
		SegmentsPerTier:       3,
		MaxMergeAtOnce:        3,
		MaxMergedSegmentBytes: 1 << 20,
		FloorSegmentBytes:     1 << 10,
		DeletesPctAllowed:     30,
		MinReclaimPct:         10,
		TierFactor:            10,
	})
}

func uniformSegments(n int, size int64) []SegmentStats {
	out := make([]SegmentStats, n)
	for i := range out {
		out[i] = SegmentStats{Name: fmt.Sprintf("_%d", i), MaxDoc: 100, SizeBytes: size, Order: i}
	}
	return out
}

func TestTieredMergePolicy_Defaults(t *testing.T) {
	p := NewTieredMergePolicy(MergePolicyConfig{})
	assert.Equal(t, DefaultConfig().MergePolicy.SegmentsPerTier, p.Config().SegmentsPerTier)
	assert.Equal(t, DefaultConfig().MergePolicy.TierFactor, p.Config().TierFactor)
}

func TestTieredMergePolicy_BelowTierSize(t *testing.T) {
	assert.Empty(t, testPolicy().FindMerges(uniformSegments(2, 512)))
}

func TestTieredMergePolicy_FullTier(t *testing.T) {
	merges := testPolicy().FindMerges(uniformSegments(4, 512))
	require.Len(t, merges, 1)
	assert.Equal(t, []string{"_0", "_1", "_2"}, merges[0].Segments)
	assert.Equal(t, "tier", merges[0].Reason)
}

func TestTieredMergePolicy_TiersAreSeparate(t *testing.T) {
	small := uniformSegments(2, 512)
	large := uniformSegments(2, 200<<10)
	for i := range large {
		large[i].Name = fmt.Sprintf("_l%d", i)
		large[i].Order = 10 + i
	}
	assert.Empty(t, testPolicy().FindMerges(append(small, large...)))
}

func TestTieredMergePolicy_DeletesFirstThenAge(t *testing.T) {
	segs := uniformSegments(4, 512)
	segs[3].DelCount = 10
	merges := testPolicy().FindMerges(segs)
	require.Len(t, merges, 1)
	// Candidates are reported in index order.
	assert.Equal(t, []string{"_0", "_1", "_3"}, merges[0].Segments)
}

func TestTieredMergePolicy_SkipsLargeSegments(t *testing.T) {
	segs := uniformSegments(4, 600<<10)
	assert.Empty(t, testPolicy().FindMerges(segs))
}

func TestTieredMergePolicy_DeletesMerge(t *testing.T) {
	segs := uniformSegments(1, 600<<10)
	segs[0].DelCount = 50
	merges := testPolicy().FindMerges(segs)
	require.Len(t, merges, 1)
	assert.Equal(t, "deletes", merges[0].Reason)
	assert.Equal(t, []string{"_0"}, merges[0].Segments)

	segs[0].DelCount = 20
	assert.Empty(t, testPolicy().FindMerges(segs))
}

func TestTieredMergePolicy_Forced(t *testing.T) {
	p := testPolicy()
	segs := uniformSegments(4, 512)
	segs[2].SizeBytes = 4096

	merges := p.FindForcedMerges(segs, 2)
	require.Len(t, merges, 1)
	assert.Equal(t, []string{"_0", "_1", "_3"}, merges[0].Segments)

	assert.Empty(t, p.FindForcedMerges(segs[:1], 1))
	segs[0].DelCount = 1
	merges = p.FindForcedMerges(segs[:1], 1)
	require.Len(t, merges, 1)
	assert.Equal(t, []string{"_0"}, merges[0].Segments)
}

func TestTieredMergePolicy_ForcedDeletes(t *testing.T) {
	segs := uniformSegments(5, 512)
	for i := range segs {
		segs[i].DelCount = 1
	}
	segs[4].DelCount = 0
	merges := testPolicy().FindForcedDeletesMerges(segs)
	require.Len(t, merges, 2)
	assert.Equal(t, []string{"_0", "_1", "_2"}, merges[0].Segments)
	assert.Equal(t, []string{"_3"}, merges[1].Segments)
}

func TestSegmentStats(t *testing.T) {
	s := SegmentStats{MaxDoc: 4, DelCount: 1, SizeBytes: 400}
	assert.InDelta(t, 25.0, s.DeletedPct(), 1e-9)
	assert.Equal(t, int64(300), s.LiveBytes())
	assert.Zero(t, SegmentStats{}.DeletedPct())
	assert.Zero(t, SegmentStats{}.LiveBytes())
}

func TestTieredMergePolicy_CandidatesNeverOverlap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no segment is picked twice and no merge exceeds the limits", prop.ForAll(
		func(sizes []int64, dels []int) bool {
			p := testPolicy()
			segs := make([]SegmentStats, len(sizes))
			for i, size := range sizes {
				segs[i] = SegmentStats{
					Name:      fmt.Sprintf("_%d", i),
					MaxDoc:    100,
					DelCount:  dels[i%len(dels)],
					SizeBytes: size,
					Order:     i,
				}
			}
			seen := make(map[string]bool)
			for _, c := range p.FindMerges(segs) {
				if len(c.Segments) == 0 || len(c.Segments) > p.Config().MaxMergeAtOnce {
					return false
				}
				for _, name := range c.Segments {
					if seen[name] {
						return false
					}
					seen[name] = true
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.Int64Range(1, 2<<20)),
		gen.SliceOfN(5, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
