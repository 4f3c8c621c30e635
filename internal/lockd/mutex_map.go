// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package lockd

import (
	"context"
	"sync"
)

// A mutexMap is a map of mutexes, used to arbitrate lock keys among
// goroutines of this process before the inter-process flock is taken.
// The zero value is an empty map.
type mutexMap[T comparable] struct {
	mu sync.Mutex
	m  map[T]<-chan struct{}
}

// tryLock attempts to acquire the mutex for k without blocking.
// On success it returns an unlock function and true.
func (mm *mutexMap[T]) tryLock(k T) (unlock func(), ok bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.m[k] != nil {
		return nil, false
	}
	return mm.store(k), true
}

// lock waits until it can either acquire the mutex for k
// or ctx.Done is closed.
// If lock acquires the mutex, it returns a function that will unlock the
// mutex and a nil error. Until unlock is called, all calls to mm.lock(k)
// for the same k will block. Multiple goroutines can call lock simultaneously.
func (mm *mutexMap[T]) lock(ctx context.Context, k T) (unlock func(), err error) {
	for {
		mm.mu.Lock()
		held := mm.m[k]
		if held == nil {
			unlock := mm.store(k)
			mm.mu.Unlock()
			return unlock, nil
		}
		mm.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// store records k as held. The caller must hold mm.mu.
func (mm *mutexMap[T]) store(k T) (unlock func()) {
	c := make(chan struct{})
	if mm.m == nil {
		mm.m = make(map[T]<-chan struct{})
	}
	mm.m[k] = c
	return func() {
		mm.mu.Lock()
		delete(mm.m, k)
		close(c)
		mm.mu.Unlock()
	}
}
