// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Unmount detaches the filesystem mounted at the given path.
// If the kernel reports the mount as busy and lazy is true,
// Unmount retries with a lazy detach.
func Unmount(path string, lazy bool) error {
	err := unix.Unmount(path, unix.UMOUNT_NOFOLLOW)
	if err == nil || errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.EINVAL) {
		// EINVAL means the path is not a mount point.
		return nil
	}
	if errors.Is(err, unix.EBUSY) && lazy {
		err = unix.Unmount(path, unix.UMOUNT_NOFOLLOW|unix.MNT_DETACH)
	}
	if err != nil {
		return &os.PathError{Op: "umount", Path: path, Err: err}
	}
	return nil
}
