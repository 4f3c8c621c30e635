// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"zombiezen.com/go/log"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// stripTree walks the staged install root and strips unneeded symbols from
// every ELF regular file. Individual failures are warnings: an artifact
// that cannot be stripped still ships.
func stripTree(ctx context.Context, destdir string) error {
	return filepath.WalkDir(destdir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		isELF, err := hasELFMagic(path)
		if err != nil || !isELF {
			return nil
		}
		c := exec.CommandContext(ctx, "strip", "--strip-unneeded", path)
		if output, err := c.CombinedOutput(); err != nil {
			log.Warnf(ctx, "strip %s: %v: %s", path, err, bytes.TrimSpace(output))
		}
		return nil
	})
}

func hasELFMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	header := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return false, nil
	}
	return bytes.Equal(header, elfMagic), nil
}
