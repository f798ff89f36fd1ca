package index

// SegmentState is the lifecycle stage of a segment inside a writer.
type SegmentState uint8

const (
	// StateBuilding is a segment being written by a flush.
	StateBuilding SegmentState = iota
	// StateFlushed is a complete segment not yet in a durable commit.
	StateFlushed
	// StateCommitted is a segment referenced by the last durable commit.
	StateCommitted
	// StateMerging is a committed segment claimed as merge input.
	StateMerging
	// StateRetired is a segment that was merged away, dropped or rolled back.
	StateRetired
)

func (s SegmentState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateFlushed:
		return "flushed"
	case StateCommitted:
		return "committed"
	case StateMerging:
		return "merging"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

var transitions = map[SegmentState][]SegmentState{
	StateBuilding:  {StateFlushed, StateRetired},
	StateFlushed:   {StateCommitted, StateRetired},
	StateCommitted: {StateMerging, StateRetired},
	StateMerging:   {StateCommitted, StateRetired},
}

// CanTransition reports whether a segment may move from s to next.
func (s SegmentState) CanTransition(next SegmentState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
