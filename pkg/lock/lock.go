// Package lock provides named advisory locks used to serialize
// read-merge-write updates of shared pipeline metadata.
package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrTimeout is returned when a lock could not be acquired in time.
	ErrTimeout = errors.New("lock wait timed out")

	// ErrNotHeld is returned when releasing a lock that expired or was
	// already released.
	ErrNotHeld = errors.New("lock not held")
)

// Locker acquires named locks.
type Locker interface {
	Acquire(ctx context.Context, name string) (Handle, error)
}

// Handle is a held lock.
type Handle interface {
	Release(ctx context.Context) error
}

// WithLock runs fn while holding the named lock. Errors from fn and from
// releasing the lock are both reported.
func WithLock(ctx context.Context, l Locker, name string, fn func(ctx context.Context) error) error {
	h, err := l.Acquire(ctx, name)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", name, err)
	}

	var result *multierror.Error
	if err := fn(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	// Release must run even when ctx was cancelled inside fn.
	if err := h.Release(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, fmt.Errorf("release %s: %w", name, err))
	}
	return result.ErrorOrNil()
}
