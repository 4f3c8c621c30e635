// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package osutil

import "errors"

// Unmount detaches the filesystem mounted at the given path.
// It is only implemented on Linux.
func Unmount(path string, lazy bool) error {
	return errors.New("umount: not supported on this platform")
}
