// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package lockd grants exclusive, advisory, inter-process locks keyed by
// (phase, package), plus a single global lock for destructive fleet-wide
// operations. Locks are advisory (cooperating processes only),
// non-reentrant, and process-scoped.
package lockd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrBusy is reported by [Registry.TryAcquire] when another holder owns the lock.
var ErrBusy = errors.New("lock busy")

// globalName is the lock file name for [Registry.AcquireGlobal].
const globalName = "global.lock"

// A Registry hands out locks backed by flock(2) files in a lock directory.
type Registry struct {
	dir    string
	inproc mutexMap[string]
}

// NewRegistry returns a registry over the given lock directory.
// The directory must already exist.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// A Handle represents a held lock. Release it exactly once.
type Handle struct {
	path     string
	f        *os.File
	unlockIn func()
}

// TryAcquire attempts to take the lock for (phase, pkg) without blocking.
// It returns [ErrBusy] if any process (including this one) holds the lock.
func (r *Registry) TryAcquire(phase, pkg string) (*Handle, error) {
	return r.tryAcquireFile(phase + "-" + pkg + ".lock")
}

// TryAcquireGlobal attempts to take the global destructive-operation lock
// without blocking.
func (r *Registry) TryAcquireGlobal() (*Handle, error) {
	return r.tryAcquireFile(globalName)
}

func (r *Registry) tryAcquireFile(name string) (*Handle, error) {
	unlockIn, ok := r.inproc.tryLock(name)
	if !ok {
		return nil, ErrBusy
	}
	h, err := openAndFlock(filepath.Join(r.dir, name), false, nil)
	if err != nil {
		unlockIn()
		return nil, err
	}
	h.unlockIn = unlockIn
	return h, nil
}

// Acquire takes the lock for (phase, pkg), blocking until it is available
// or ctx is done. Apart from cancellation, it fails only on I/O errors on
// the lock directory.
func (r *Registry) Acquire(ctx context.Context, phase, pkg string) (*Handle, error) {
	return r.acquireFile(ctx, phase+"-"+pkg+".lock")
}

// AcquireGlobal takes the global destructive-operation lock, blocking until
// it is available or ctx is done. The global lock excludes all other lock
// holders cooperating on destructive batches (mount and unmount, cache
// removal); it does not exclude per-package locks.
func (r *Registry) AcquireGlobal(ctx context.Context) (*Handle, error) {
	return r.acquireFile(ctx, globalName)
}

func (r *Registry) acquireFile(ctx context.Context, name string) (*Handle, error) {
	unlockIn, err := r.inproc.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	h, err := openAndFlock(filepath.Join(r.dir, name), true, ctx.Done())
	if err != nil {
		unlockIn()
		return nil, err
	}
	h.unlockIn = unlockIn
	return h, nil
}

// openAndFlock opens (creating if needed) the lock file and applies an
// exclusive flock. When block is false, a held lock reports [ErrBusy].
// When block is true, the flock call blocks; closing the descriptor on
// cancel interrupts it.
func openAndFlock(path string, block bool, cancel <-chan struct{}) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	how := unix.LOCK_EX
	if !block {
		how |= unix.LOCK_NB
	}
	var watchDone chan struct{}
	var watchMu sync.Mutex
	acquired := false
	if block && cancel != nil {
		watchDone = make(chan struct{})
		go func() {
			select {
			case <-cancel:
				watchMu.Lock()
				if !acquired {
					// Closing the file interrupts the blocked flock with EBADF.
					f.Close()
				}
				watchMu.Unlock()
			case <-watchDone:
			}
		}()
	}
	err = ignoringEINTR(func() error {
		return unix.Flock(int(f.Fd()), how)
	})
	if watchDone != nil {
		watchMu.Lock()
		acquired = err == nil
		watchMu.Unlock()
		close(watchDone)
	}
	if err != nil {
		f.Close()
		if !block && errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		if block && errors.Is(err, unix.EBADF) {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// The pid and timestamp are a debugging hint only, never authoritative:
	// flock ownership is what arbitrates.
	hint := strconv.Itoa(os.Getpid()) + " " + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(hint), 0)
	}

	return &Handle{path: path, f: f}, nil
}

// Release drops the lock and removes the advisory hint.
func (h *Handle) Release() error {
	if h == nil || h.f == nil {
		return nil
	}
	// Remove before unlocking so a waiter never observes a stale hint.
	os.Remove(h.path)
	err := h.f.Close()
	h.f = nil
	if h.unlockIn != nil {
		h.unlockIn()
		h.unlockIn = nil
	}
	return err
}

func ignoringEINTR(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
