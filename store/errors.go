package store

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/hupe1980/segidx/blobstore"
)

var (
	// ErrCorrupt matches every *CorruptionError.
	ErrCorrupt = errors.New("index corrupt")

	// ErrUnsupportedFormat matches every *UnsupportedFormatError.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrLockHeld matches every *LockHeldError.
	ErrLockHeld = errors.New("lock held")

	// ErrOutOfSpace is matched by an *IOError caused by a full device.
	ErrOutOfSpace = errors.New("out of space")

	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = blobstore.ErrNotFound
)

// CorruptionError reports a checksum mismatch or a structurally invalid file.
// It is never retried or repaired.
type CorruptionError struct {
	Resource string
	Reason   string
	Err      error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt index file %q: %s: %v", e.Resource, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt index file %q: %s", e.Resource, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

func (e *CorruptionError) Unwrap() error { return e.Err }

// Corruptf returns a *CorruptionError for resource.
func Corruptf(resource, format string, args ...any) error {
	return &CorruptionError{Resource: resource, Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedFormatError reports data written by an unknown codec or an
// unknown version of a known format.
type UnsupportedFormatError struct {
	Resource string
	Format   string
	Version  int
	Min, Max int
}

func (e *UnsupportedFormatError) Error() string {
	if e.Max == 0 && e.Min == 0 {
		return fmt.Sprintf("unsupported format %q in %q", e.Format, e.Resource)
	}
	return fmt.Sprintf("unsupported format %q version %d in %q (supported %d..%d)",
		e.Format, e.Version, e.Resource, e.Min, e.Max)
}

func (e *UnsupportedFormatError) Is(target error) bool { return target == ErrUnsupportedFormat }

// LockHeldError is returned when another writer owns the index lock.
type LockHeldError struct {
	Lock string
	Err  error
}

func (e *LockHeldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lock %q held by another writer: %v", e.Lock, e.Err)
	}
	return fmt.Sprintf("lock %q held by another writer", e.Lock)
}

func (e *LockHeldError) Is(target error) bool { return target == ErrLockHeld }

func (e *LockHeldError) Unwrap() error { return e.Err }

// IOError wraps a backend failure with the operation and file it hit.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

func (e *IOError) Is(target error) bool {
	return target == ErrOutOfSpace && errors.Is(e.Err, syscall.ENOSPC)
}

func (e *IOError) Unwrap() error { return e.Err }

// wrapIO wraps err in an *IOError unless it already carries a store error.
func wrapIO(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	var corrupt *CorruptionError
	if errors.As(err, &ioErr) || errors.As(err, &corrupt) {
		return err
	}
	return &IOError{Op: op, Name: name, Err: err}
}
