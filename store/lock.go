package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WriteLockName is the name of the lock that guards index writers.
const WriteLockName = "write.lock"

// Lock is a held lock. Close releases it.
type Lock interface {
	Close() error
	// EnsureValid returns an error if the lock was released.
	EnsureValid() error
}

// LockFactory obtains named locks.
type LockFactory interface {
	ObtainLock(name string) (Lock, error)
}

// ErrLockReleased is returned by EnsureValid on a released lock.
var ErrLockReleased = errors.New("lock already released")

// SingleInstanceLockFactory provides locks that are exclusive within one
// factory. Use it for backends without a shared file system lock.
type SingleInstanceLockFactory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewSingleInstanceLockFactory creates an in-process lock factory.
func NewSingleInstanceLockFactory() *SingleInstanceLockFactory {
	return &SingleInstanceLockFactory{held: make(map[string]struct{})}
}

// ObtainLock acquires name or fails with a *LockHeldError.
func (f *SingleInstanceLockFactory) ObtainLock(name string) (Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.held[name]; ok {
		return nil, &LockHeldError{Lock: name}
	}
	f.held[name] = struct{}{}
	return &singleInstanceLock{factory: f, name: name}, nil
}

type singleInstanceLock struct {
	factory *SingleInstanceLockFactory
	name    string
	once    sync.Once
	closed  bool
}

func (l *singleInstanceLock) Close() error {
	l.once.Do(func() {
		l.factory.mu.Lock()
		defer l.factory.mu.Unlock()
		delete(l.factory.held, l.name)
		l.closed = true
	})
	return nil
}

func (l *singleInstanceLock) EnsureValid() error {
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()
	if l.closed {
		return ErrLockReleased
	}
	return nil
}

// ObtainLockWithRetry retries a held lock with exponential backoff until
// timeout elapses. Errors other than *LockHeldError are returned immediately.
func ObtainLockWithRetry(ctx context.Context, d *Directory, name string, timeout time.Duration) (Lock, error) {
	if timeout <= 0 {
		return d.ObtainLock(name)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	var lock Lock
	err := backoff.Retry(func() error {
		l, err := d.ObtainLock(name)
		if err != nil {
			if errors.Is(err, ErrLockHeld) {
				return err
			}
			return backoff.Permanent(err)
		}
		lock = l
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return lock, nil
}
