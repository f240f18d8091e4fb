// Package lock serializes work on a single key, such as one order, across
// goroutines (Local) or application instances (Redis).
package lock

import (
	"context"
	"errors"
)

var ErrNotAcquired = errors.New("lock: not acquired")

// Locker blocks until key is held or ctx ends. The returned function
// releases the lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
