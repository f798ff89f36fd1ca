package index

import (
	"cmp"
	"math"
	"slices"
)

// SegmentStats describes a committed segment offered to a MergePolicy.
type SegmentStats struct {
	Name   string
	MaxDoc int
	// DelCount counts committed deletes only. Pending deletes are carried
	// onto the merge output separately.
	DelCount  int
	SizeBytes int64
	// Order is the segment's position in the index; lower is older.
	Order int
}

// DeletedPct returns the deleted share of documents in percent.
func (s SegmentStats) DeletedPct() float64 {
	if s.MaxDoc == 0 {
		return 0
	}
	return 100 * float64(s.DelCount) / float64(s.MaxDoc)
}

// LiveBytes estimates the bytes a merge would carry forward.
func (s SegmentStats) LiveBytes() int64 {
	if s.MaxDoc == 0 {
		return 0
	}
	return int64(float64(s.SizeBytes) * float64(s.MaxDoc-s.DelCount) / float64(s.MaxDoc))
}

// MergeCandidate names segments to merge into one.
type MergeCandidate struct {
	Segments []string
	Reason   string
}

// MergePolicy selects merges. It sees only committed segments that are not
// already merging and may return candidates in any order; inputs of
// different candidates must not overlap.
type MergePolicy interface {
	FindMerges(segments []SegmentStats) []MergeCandidate
	FindForcedMerges(segments []SegmentStats, maxSegments int) []MergeCandidate
	FindForcedDeletesMerges(segments []SegmentStats) []MergeCandidate
}

// TieredMergePolicy groups segments into size tiers and merges a tier once
// it holds too many segments. Within a tier the segments with the highest
// deleted share go first, oldest first on ties. Segments with many deletes
// are rewritten on their own schedule if that reclaims enough space.
type TieredMergePolicy struct {
	cfg MergePolicyConfig
}

// NewTieredMergePolicy creates a tiered policy.
func NewTieredMergePolicy(cfg MergePolicyConfig) *TieredMergePolicy {
	def := DefaultConfig().MergePolicy
	if cfg.SegmentsPerTier < 2 {
		cfg.SegmentsPerTier = def.SegmentsPerTier
	}
	if cfg.MaxMergeAtOnce < 2 {
		cfg.MaxMergeAtOnce = def.MaxMergeAtOnce
	}
	if cfg.MaxMergedSegmentBytes <= 0 {
		cfg.MaxMergedSegmentBytes = def.MaxMergedSegmentBytes
	}
	if cfg.FloorSegmentBytes <= 0 {
		cfg.FloorSegmentBytes = def.FloorSegmentBytes
	}
	if cfg.TierFactor <= 1 {
		cfg.TierFactor = def.TierFactor
	}
	return &TieredMergePolicy{cfg: cfg}
}

// Config returns the effective thresholds.
func (p *TieredMergePolicy) Config() MergePolicyConfig { return p.cfg }

func (p *TieredMergePolicy) tier(s SegmentStats) int {
	b := float64(max(s.LiveBytes(), p.cfg.FloorSegmentBytes))
	return int(math.Floor(math.Log(b/float64(p.cfg.FloorSegmentBytes)) / math.Log(p.cfg.TierFactor)))
}

func byDeletesThenAge(a, b SegmentStats) int {
	if c := cmp.Compare(b.DeletedPct(), a.DeletedPct()); c != 0 {
		return c
	}
	return cmp.Compare(a.Order, b.Order)
}

// FindMerges implements MergePolicy.
func (p *TieredMergePolicy) FindMerges(segments []SegmentStats) []MergeCandidate {
	tiers := make(map[int][]SegmentStats)
	var keys []int
	for _, s := range segments {
		tooLarge := s.LiveBytes() > p.cfg.MaxMergedSegmentBytes/2
		if tooLarge && s.DeletedPct() <= p.cfg.DeletesPctAllowed {
			continue
		}
		t := p.tier(s)
		if _, ok := tiers[t]; !ok {
			keys = append(keys, t)
		}
		tiers[t] = append(tiers[t], s)
	}
	slices.Sort(keys)

	var (
		out  []MergeCandidate
		used = make(map[string]bool)
	)
	for _, t := range keys {
		list := tiers[t]
		slices.SortFunc(list, byDeletesThenAge)
		for len(list) >= p.cfg.SegmentsPerTier {
			pick, rest := p.pack(list)
			if len(pick) < 2 {
				break
			}
			out = append(out, candidate(pick, "tier"))
			for _, s := range pick {
				used[s.Name] = true
			}
			list = rest
		}
	}

	var deletes []SegmentStats
	for _, s := range segments {
		if !used[s.Name] && s.DelCount > 0 && s.DeletedPct() > p.cfg.DeletesPctAllowed {
			deletes = append(deletes, s)
		}
	}
	slices.SortFunc(deletes, byDeletesThenAge)
	for len(deletes) > 0 {
		pick, rest := p.pack(deletes)
		if len(pick) == 0 {
			// A single segment above the size cap still gets rewritten alone.
			pick, rest = deletes[:1], deletes[1:]
		}
		if reclaimPct(pick) >= p.cfg.MinReclaimPct {
			out = append(out, candidate(pick, "deletes"))
		}
		deletes = rest
	}
	return out
}

// pack takes segments from the front of list while they fit one merge.
func (p *TieredMergePolicy) pack(list []SegmentStats) (pick, rest []SegmentStats) {
	var total int64
	for _, s := range list {
		if len(pick) < p.cfg.MaxMergeAtOnce && total+s.LiveBytes() <= p.cfg.MaxMergedSegmentBytes {
			pick = append(pick, s)
			total += s.LiveBytes()
			continue
		}
		rest = append(rest, s)
	}
	return pick, rest
}

func reclaimPct(segs []SegmentStats) float64 {
	var size, live int64
	for _, s := range segs {
		size += s.SizeBytes
		live += s.LiveBytes()
	}
	if size == 0 {
		return 0
	}
	return 100 * float64(size-live) / float64(size)
}

// FindForcedMerges implements MergePolicy. Segments beyond maxSegments are
// folded into the smallest ones; segments with deletions are rewritten.
func (p *TieredMergePolicy) FindForcedMerges(segments []SegmentStats, maxSegments int) []MergeCandidate {
	maxSegments = max(maxSegments, 1)
	if len(segments) > maxSegments {
		bySize := slices.Clone(segments)
		slices.SortFunc(bySize, func(a, b SegmentStats) int {
			if c := cmp.Compare(a.LiveBytes(), b.LiveBytes()); c != 0 {
				return c
			}
			return cmp.Compare(a.Order, b.Order)
		})
		return []MergeCandidate{candidate(bySize[:len(segments)-maxSegments+1], "forced")}
	}

	var out []MergeCandidate
	for _, s := range segments {
		if s.DelCount > 0 {
			out = append(out, candidate([]SegmentStats{s}, "forced"))
		}
	}
	return out
}

// FindForcedDeletesMerges implements MergePolicy.
func (p *TieredMergePolicy) FindForcedDeletesMerges(segments []SegmentStats) []MergeCandidate {
	var withDeletes []SegmentStats
	for _, s := range segments {
		if s.DelCount > 0 {
			withDeletes = append(withDeletes, s)
		}
	}
	slices.SortFunc(withDeletes, func(a, b SegmentStats) int { return cmp.Compare(a.Order, b.Order) })

	var out []MergeCandidate
	for len(withDeletes) > 0 {
		n := min(len(withDeletes), p.cfg.MaxMergeAtOnce)
		out = append(out, candidate(withDeletes[:n], "deletes"))
		withDeletes = withDeletes[n:]
	}
	return out
}

func candidate(segs []SegmentStats, reason string) MergeCandidate {
	sorted := slices.Clone(segs)
	slices.SortFunc(sorted, func(a, b SegmentStats) int { return cmp.Compare(a.Order, b.Order) })
	names := make([]string, len(sorted))
	for i, s := range sorted {
		names[i] = s.Name
	}
	return MergeCandidate{Segments: names, Reason: reason}
}
