//go:build !unix

package store

import (
	"path/filepath"
	"sync"
)

var (
	nativeMu    sync.Mutex
	nativeLocks = make(map[string]*SingleInstanceLockFactory)
)

// NativeLockFactory falls back to a per-path in-process lock on platforms
// without flock(2).
type NativeLockFactory struct {
	dir string
}

// NewNativeLockFactory creates a lock factory for locks inside dir.
func NewNativeLockFactory(dir string) *NativeLockFactory {
	return &NativeLockFactory{dir: dir}
}

// ObtainLock acquires name for this process.
func (f *NativeLockFactory) ObtainLock(name string) (Lock, error) {
	abs, err := filepath.Abs(f.dir)
	if err != nil {
		return nil, wrapIO("lock", name, err)
	}

	nativeMu.Lock()
	sf, ok := nativeLocks[abs]
	if !ok {
		sf = NewSingleInstanceLockFactory()
		nativeLocks[abs] = sf
	}
	nativeMu.Unlock()

	return sf.ObtainLock(name)
}
