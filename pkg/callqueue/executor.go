// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// executor runs endpoint leases and operator invites off the dispatchers, bounding how many
// run at once.
type executor struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newExecutor(size int) *executor {
	return &executor{sem: semaphore.NewWeighted(int64(size))}
}

// Go runs fn on its own goroutine once a slot is free. It fails if ctx is done first or if
// the executor is closed.
func (e *executor) Go(ctx context.Context, fn func()) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.sem.Release(1)
		return ErrStopped
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		fn()
	}()
	return nil
}

// Close refuses new work and waits for the running work to complete.
func (e *executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.wg.Wait()
}
