// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package phase

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// DestdirPopulated reports whether the staged install root contains at
// least one regular file other than libtool archives and pkg-config
// metadata. An install phase that exits zero but stages nothing real is a
// silent failure.
func DestdirPopulated(destdir string) bool {
	populated := false
	filepath.WalkDir(destdir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".la") || strings.HasSuffix(name, ".pc") {
			return nil
		}
		populated = true
		return filepath.SkipAll
	})
	return populated
}
