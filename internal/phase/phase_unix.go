// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

//go:build unix

package phase

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr places the command in its own process group so the whole
// pipeline can be terminated together.
func setSysProcAttr(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// setCancelFunc terminates the command's process group on cancellation.
// SIGTERM first; exec.Cmd escalates through WaitDelay to SIGKILL.
func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		err := unix.Kill(-c.Process.Pid, unix.SIGTERM)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
}
