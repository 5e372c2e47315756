// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"sync"
)

// A mutexMap provides per-key locking.
// The registrar uses one keyed by store path:
// two builds may race to produce the same content-addressed object,
// and the loser must wait until the winner's rename and registration
// are complete rather than observe a half-moved tree.
// The zero value is an empty map.
type mutexMap[T comparable] struct {
	mu   sync.Mutex
	held map[T]chan struct{} // per key: closed when the holder releases
}

// lock acquires the mutex for k,
// blocking until it is free or ctx.Done is closed.
// On success it returns a function that releases the mutex;
// calling it more than once is harmless.
// On cancellation it returns a nil unlock function and ctx.Err().
func (mm *mutexMap[T]) lock(ctx context.Context, k T) (unlock func(), err error) {
	for {
		mm.mu.Lock()
		if mm.held == nil {
			mm.held = make(map[T]chan struct{})
		}
		released, inUse := mm.held[k]
		if !inUse {
			released := make(chan struct{})
			mm.held[k] = released
			mm.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					mm.mu.Lock()
					delete(mm.held, k)
					mm.mu.Unlock()
					close(released)
				})
			}, nil
		}
		mm.mu.Unlock()

		// Wait for the current holder, then race for the key again.
		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
