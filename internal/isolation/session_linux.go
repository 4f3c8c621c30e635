// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package isolation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
)

// sessionState is the lifecycle of one chroot session.
type sessionState int

const (
	stateIdle sessionState = iota
	stateMounting
	stateReady
	stateRunning
	stateUnmounting
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateMounting:
		return "mounting"
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateUnmounting:
		return "unmounting"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// A Session owns the virtual-filesystem mounts of one chroot batch.
// The mount stack is a process-wide resource: the global destructive lock is
// held while mounting and unmounting; individual command executions only
// take the session's own lock.
type Session struct {
	root string

	mu     sync.Mutex
	state  sessionState
	mounts []string
}

// OpenSession mounts the virtual filesystems required for chroot execution
// under the manager's target root and returns the live session.
// On any mount error the partial stack is unwound and no session is
// returned.
func (m *Manager) OpenSession(ctx context.Context) (*Session, error) {
	if !m.canChroot() {
		return nil, fmt.Errorf("chroot into %q: %w", m.ChrootDir, ErrIsolationUnavailable)
	}
	s := &Session{root: m.ChrootDir}

	global, err := m.Locks.AcquireGlobal(ctx)
	if err != nil {
		return nil, err
	}
	defer global.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateMounting
	if err := s.mountAll(ctx); err != nil {
		s.unwindLocked(ctx, true)
		s.state = stateFailed
		return nil, err
	}
	s.state = stateReady
	return s, nil
}

// virtualMounts lists the mount batch in mount order.
func (s *Session) virtualMounts() []struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
} {
	return []struct {
		source string
		target string
		fstype string
		flags  uintptr
		data   string
	}{
		{"/dev", filepath.Join(s.root, "dev"), "", unix.MS_BIND | unix.MS_NOSUID | unix.MS_NODEV, ""},
		{"/dev/pts", filepath.Join(s.root, "dev", "pts"), "", unix.MS_BIND | unix.MS_NOSUID | unix.MS_NOEXEC, ""},
		{"proc", filepath.Join(s.root, "proc"), "proc", 0, ""},
		{"sysfs", filepath.Join(s.root, "sys"), "sysfs", 0, ""},
		{"tmpfs", filepath.Join(s.root, "run"), "tmpfs", 0, "mode=0755"},
	}
}

func (s *Session) mountAll(ctx context.Context) error {
	for _, m := range s.virtualMounts() {
		if err := osutil.MkdirAllPerm(m.target, 0o755); err != nil {
			return err
		}
		log.Debugf(ctx, "mount %s -> %s", m.source, m.target)
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil {
			return &os.PathError{Op: "mount", Path: m.target, Err: err}
		}
		s.mounts = append(s.mounts, m.target)
	}
	return nil
}

// Enter marks the session as executing one command. The returned function
// restores the ready state and must be called when the command finishes.
func (s *Session) Enter() (done func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady {
		return nil, fmt.Errorf("chroot session is %v, not ready", s.state)
	}
	s.state = stateRunning
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == stateRunning {
			s.state = stateReady
		}
	}, nil
}

// Close unwinds the mount stack in strict reverse order of successful
// mounts. Mounts still held by processes block the unwind unless force is
// set, in which case a lazy detach is used. The global destructive lock is
// held for the whole batch.
func (s *Session) Close(ctx context.Context, locks *lockd.Registry, force bool) error {
	global, err := locks.AcquireGlobal(ctx)
	if err != nil {
		return err
	}
	defer global.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateIdle:
		return nil
	case stateRunning:
		return fmt.Errorf("chroot session is running")
	}
	s.state = stateUnmounting
	if err := s.unwindLocked(ctx, force); err != nil {
		s.state = stateFailed
		return err
	}
	s.state = stateIdle
	return nil
}

// unwindLocked unmounts the recorded stack in reverse order.
// The caller must hold s.mu.
func (s *Session) unwindLocked(ctx context.Context, force bool) error {
	var firstErr error
	var remaining []string
	for i := len(s.mounts) - 1; i >= 0; i-- {
		target := s.mounts[i]
		log.Debugf(ctx, "umount %s", target)
		if err := osutil.Unmount(target, force); err != nil {
			log.Errorf(ctx, "Failed to unmount %s: %v", target, err)
			if firstErr == nil {
				firstErr = err
			}
			remaining = append([]string{target}, remaining...)
		}
	}
	s.mounts = remaining
	return firstErr
}

// Reset clears a failed session back to idle after explicit cleanup.
// It refuses if mounts are still recorded.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateFailed {
		return fmt.Errorf("chroot session is %v, not failed", s.state)
	}
	if len(s.mounts) > 0 {
		return fmt.Errorf("chroot session still holds %d mounts", len(s.mounts))
	}
	s.state = stateIdle
	return nil
}
