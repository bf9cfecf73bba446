package index

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/starford/munin/internal/apperr"
)

// AcquireWriterLock takes the exclusive writer flock for the derived
// store. Exactly one process may hold it; a second caller gets
// ErrWriterConflict immediately (no retry). The returned func releases
// the lock.
func AcquireWriterLock(indexDir string) (func(), error) {
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, fmt.Errorf("index: create index dir: %w", err)
	}
	path := filepath.Join(indexDir, "writer.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("index: open writer lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("index: %w", apperr.ErrWriterConflict)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
