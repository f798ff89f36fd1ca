package index

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segidx/internal/resource"
)

var (
	// ErrClosed is returned by operations on a closed writer or reader.
	ErrClosed = errors.New("index: closed")

	// ErrMergeAborted is returned by a merge cancelled by rollback, close or DeleteAll.
	ErrMergeAborted = errors.New("index: merge aborted")

	// ErrNoCommit is returned when a directory has no readable commit.
	ErrNoCommit = errors.New("index: no commit found")

	// ErrPrepareCommitPending is returned by mutations while a prepared
	// commit waits for Commit or Rollback.
	ErrPrepareCommitPending = errors.New("index: prepared commit pending")

	// ErrOverBudget is returned when a document does not fit the writer's
	// memory budget even after the buffer is flushed.
	ErrOverBudget = resource.ErrOverBudget

	// ErrInvariantViolation marks programming errors such as illegal segment
	// state transitions. It is never retried.
	ErrInvariantViolation = errors.New("index: invariant violation")
)

// InvariantViolationError reports an illegal operation on a segment.
type InvariantViolationError struct {
	Segment string
	Op      string
	State   SegmentState
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("index: illegal %s on segment %s in state %s", e.Op, e.Segment, e.State)
}

// Is implements errors.Is.
func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }
