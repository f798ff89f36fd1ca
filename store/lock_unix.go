//go:build unix

package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// NativeLockFactory locks files in a local directory with flock(2).
// The lock is released by the kernel if the process dies.
type NativeLockFactory struct {
	dir string
}

// NewNativeLockFactory creates a lock factory for locks inside dir.
func NewNativeLockFactory(dir string) *NativeLockFactory {
	return &NativeLockFactory{dir: dir}
}

// ObtainLock acquires an exclusive, non-blocking flock on dir/name.
func (f *NativeLockFactory) ObtainLock(name string) (Lock, error) {
	path := filepath.Join(f.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapIO("lock", name, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &LockHeldError{Lock: path, Err: err}
		}
		return nil, wrapIO("lock", name, err)
	}
	return &nativeLock{file: file, path: path}, nil
}

type nativeLock struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func (l *nativeLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func (l *nativeLock) EnsureValid() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrLockReleased
	}
	if _, err := os.Stat(l.path); err != nil {
		return wrapIO("lock", l.path, err)
	}
	return nil
}
