// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFilePerm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := WriteFilePerm(path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o; want 600", perm)
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "usr", "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "usr", "bin", "tool"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("tool", filepath.Join(src, "usr", "bin", "alias")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "skipme"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "skipme", "x"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "copy")
	if err := CopyTree(dst, src, func(name string) bool { return name == "skipme" }); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "usr", "bin", "tool"))
	if err != nil || len(data) == 0 {
		t.Errorf("copied file: %q, %v", data, err)
	}
	link, err := os.Readlink(filepath.Join(dst, "usr", "bin", "alias"))
	if err != nil || link != "tool" {
		t.Errorf("copied symlink = %q, %v", link, err)
	}
	if _, err := os.Lstat(filepath.Join(dst, "skipme")); !os.IsNotExist(err) {
		t.Error("skipped entry was copied")
	}
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if Exists(path) {
		t.Error("Exists reported a missing file")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists missed a present file")
	}
}
