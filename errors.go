package segidx

import (
	"github.com/hupe1980/segidx/index"
	"github.com/hupe1980/segidx/store"
)

// Sentinel errors. Use errors.Is to test for them.
var (
	ErrClosed               = index.ErrClosed
	ErrNoCommit             = index.ErrNoCommit
	ErrMergeAborted         = index.ErrMergeAborted
	ErrPrepareCommitPending = index.ErrPrepareCommitPending
	ErrInvariantViolation   = index.ErrInvariantViolation
	ErrOverBudget           = index.ErrOverBudget

	ErrCorrupt           = store.ErrCorrupt
	ErrUnsupportedFormat = store.ErrUnsupportedFormat
	ErrLockHeld          = store.ErrLockHeld
	ErrOutOfSpace        = store.ErrOutOfSpace
	ErrNotFound          = store.ErrNotFound
)

// Typed errors. Use errors.As to inspect them.
type (
	CorruptionError         = store.CorruptionError
	UnsupportedFormatError  = store.UnsupportedFormatError
	LockHeldError           = store.LockHeldError
	IOError                 = store.IOError
	InvariantViolationError = index.InvariantViolationError
)
