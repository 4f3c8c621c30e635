// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package main

import "os"

func userConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return dir
}
