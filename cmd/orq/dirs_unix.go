// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import "go4.org/xdgdir"

func userConfigDir() string {
	return xdgdir.Config.Path()
}
