package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockRetry is the poll interval while waiting on a contended file lock.
const lockRetry = 50 * time.Millisecond

// FileLock serializes registry read-modify-write sections across CLI
// invocations that share a database file. The database's own busy timeout
// handles statement-level contention; the file lock makes the whole
// read-decide-write section atomic between processes.
type FileLock struct {
	fl *flock.Flock
}

// NewFileLock returns a lock at path. The parent directory is created so
// first use on a fresh state dir works.
func NewFileLock(path string) *FileLock {
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	return &FileLock{fl: flock.New(path)}
}

// Lock blocks until the lock is held or ctx is done.
func (l *FileLock) Lock(ctx context.Context) error {
	ok, err := l.fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return fmt.Errorf("acquire %s: not locked", l.fl.Path())
	}
	return nil
}

// TryLock attempts the lock without waiting.
func (l *FileLock) TryLock() (bool, error) {
	return l.fl.TryLock()
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	return l.fl.Unlock()
}

// WithLock runs fn while holding the lock.
func (l *FileLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() { _ = l.Unlock() }()
	return fn()
}
