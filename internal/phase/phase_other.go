// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package phase

import "os/exec"

func setSysProcAttr(c *exec.Cmd) {}

func setCancelFunc(c *exec.Cmd) {}
