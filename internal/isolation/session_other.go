// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package isolation

import (
	"context"
	"fmt"

	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
)

// A Session owns the virtual-filesystem mounts of one chroot batch.
// Chroot execution is only implemented on Linux.
type Session struct{}

// OpenSession reports chroot as unavailable on this platform.
func (m *Manager) OpenSession(ctx context.Context) (*Session, error) {
	return nil, fmt.Errorf("chroot: %w", ErrIsolationUnavailable)
}

// Enter implements the Linux session surface.
func (s *Session) Enter() (done func(), err error) {
	return nil, fmt.Errorf("chroot: %w", ErrIsolationUnavailable)
}

// Close implements the Linux session surface.
func (s *Session) Close(ctx context.Context, locks *lockd.Registry, force bool) error {
	return nil
}

// Reset implements the Linux session surface.
func (s *Session) Reset() error { return nil }
