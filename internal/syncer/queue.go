// Package syncer implements the incremental collection sync session and the
// per-user serialization queue in front of it.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// DefaultQueueTimeout bounds how long a request waits for a user's lock.
const DefaultQueueTimeout = 300 * time.Second

// UserQueue serializes sync operations per user. Collection and media
// requests for one user run one at a time; different users run in parallel.
type UserQueue struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	timeout time.Duration
}

// NewUserQueue creates a queue with the given wait timeout. Zero or
// negative means DefaultQueueTimeout.
func NewUserQueue(timeout time.Duration) *UserQueue {
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	return &UserQueue{
		locks:   make(map[string]chan struct{}),
		timeout: timeout,
	}
}

func (q *UserQueue) lock(username string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.locks[username]
	if !ok {
		ch = make(chan struct{}, 1)
		q.locks[username] = ch
	}
	return ch
}

// Execute runs fn while holding the user's lock. The lock is released
// whether or not fn fails. Waiting longer than the timeout yields a
// retryable QueueTimeout error.
func (q *UserQueue) Execute(ctx context.Context, username string, fn func() error) error {
	ch := q.lock(username)

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return protocol.Errorf(protocol.KindQueueTimeout,
			"timed out waiting for another sync of user %s to finish", username)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()

	return fn()
}
