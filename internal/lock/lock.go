// Package lock implements the advisory mutual-exclusion primitive that guards
// every mutation of a dynport state file.
//
// A Lock serializes holders on two levels:
//   - within one process, through a per-path semaphore shared by every Lock
//     obtained from the same Registry, and
//   - across processes, through an OS-level advisory file lock
//     (github.com/gofrs/flock) on "<state_path>.lock".
//
// The in-process layer is required because flock handles track their own
// "locked" flag: two goroutines sharing one handle would both believe they
// hold it. The lock file is separate from the state file because the state
// file is replaced by rename on every save, which would orphan a lock held on
// the old inode.
//
// Acquisition is always bounded. When the deadline passes the caller gets an
// error wrapping model.ErrLockTimeout; nothing ever blocks forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mmr-tortoise/dynport/internal/model"
)

const (
	// lockSuffix is appended to the state path to name the lock file.
	lockSuffix = ".lock"

	// DefaultRetryDelay is how often a contended file lock is re-polled.
	DefaultRetryDelay = 10 * time.Millisecond
)

// Registry hands out Locks keyed by absolute state-file path. Locks for the
// same path share one semaphore and one flock handle; locks for different
// paths never contend.
type Registry struct {
	mu         sync.Mutex
	paths      map[string]*pathLock
	retryDelay time.Duration
}

// pathLock is the shared per-path state behind every Lock for that path.
type pathLock struct {
	// sem has capacity 1. Holding a token means holding the in-process lock.
	sem chan struct{}

	// file is the OS advisory lock. It is only touched by the token holder.
	file *flock.Flock
}

// NewRegistry creates an empty Registry. retryDelay controls how often a
// contended file lock is polled; zero selects DefaultRetryDelay.
func NewRegistry(retryDelay time.Duration) *Registry {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Registry{
		paths:      make(map[string]*pathLock),
		retryDelay: retryDelay,
	}
}

var defaultRegistry = NewRegistry(DefaultRetryDelay)

// For returns a Lock for statePath from the process-wide registry.
func For(statePath string) (*Lock, error) {
	return defaultRegistry.For(statePath)
}

// For returns the Lock guarding statePath. The lock file's directory is
// created if it does not exist yet.
func (r *Registry) For(statePath string) (*Lock, error) {
	abs, err := filepath.Abs(statePath)
	if err != nil {
		return nil, fmt.Errorf("resolve state path %q: %w", statePath, err)
	}
	lockPath := abs + lockSuffix
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pl, ok := r.paths[lockPath]
	if !ok {
		pl = &pathLock{
			sem:  make(chan struct{}, 1),
			file: flock.New(lockPath),
		}
		r.paths[lockPath] = pl
	}
	return &Lock{path: lockPath, shared: pl, retryDelay: r.retryDelay}, nil
}

// Lock is a handle on the mutual exclusion for one state file.
// It is safe for concurrent use.
type Lock struct {
	path       string
	shared     *pathLock
	retryDelay time.Duration
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire blocks until both the in-process and the file lock are held, the
// timeout elapses, or ctx is cancelled. On success it returns a release
// function that must be called exactly once.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (release func(), err error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Step 1: in-process token.
	select {
	case l.shared.sem <- struct{}{}:
	case <-lockCtx.Done():
		return nil, l.timeoutError(ctx, timeout, lockCtx.Err())
	}

	// Step 2: OS advisory lock, polled until the same deadline.
	locked, err := l.shared.file.TryLockContext(lockCtx, l.retryDelay)
	if err != nil || !locked {
		<-l.shared.sem
		if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, l.timeoutError(ctx, timeout, lockCtx.Err())
		}
		return nil, fmt.Errorf("flock %s: %w", l.path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = l.shared.file.Unlock()
			<-l.shared.sem
		})
	}, nil
}

// With runs fn while holding the lock. The lock is released on every exit
// path, including a panic inside fn.
func (l *Lock) With(ctx context.Context, timeout time.Duration, fn func() error) error {
	release, err := l.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// timeoutError distinguishes caller cancellation from a lock deadline.
func (l *Lock) timeoutError(parent context.Context, timeout time.Duration, cause error) error {
	if parent.Err() != nil {
		return fmt.Errorf("acquire %s: %w", l.path, parent.Err())
	}
	return fmt.Errorf("%w after %v on %s: %w", model.ErrLockTimeout, timeout, l.path, cause)
}
