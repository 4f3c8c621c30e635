// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
)

// writeTarball builds a small archive with one directory and one file,
// compressed by the given wrapper.
func writeTarball(t *testing.T, path string, compress func(w *os.File) (flushable, error)) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cw, err := compress(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(cw)
	if err := tw.WriteHeader(&tar.Header{Name: "pkg-1.0/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		t.Fatal(err)
	}
	content := []byte("int main(void) { return 0; }\n")
	hdr := &tar.Header{Name: "pkg-1.0/main.c", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}
}

type flushable interface {
	Close() error
	Write(p []byte) (int, error)
}

type nopCompressor struct{ *os.File }

func (nopCompressor) Close() error { return nil }

func checkExtracted(t *testing.T, dest string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dest, "pkg-1.0", "main.c"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("int main")) {
		t.Errorf("extracted content = %q", data)
	}
}

func TestExtractTarGz(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "pkg-1.0.tar.gz")
	writeTarball(t, archive, func(w *os.File) (flushable, error) {
		return gzip.NewWriter(w), nil
	})
	dest := t.TempDir()
	if err := Extract(context.Background(), archive, dest); err != nil {
		t.Fatal(err)
	}
	checkExtracted(t, dest)
}

func TestExtractTarXZ(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "pkg-1.0.tar.xz")
	writeTarball(t, archive, func(w *os.File) (flushable, error) {
		return xz.NewWriter(w)
	})
	dest := t.TempDir()
	if err := Extract(context.Background(), archive, dest); err != nil {
		t.Fatal(err)
	}
	checkExtracted(t, dest)
}

func TestExtractPlainTar(t *testing.T) {
	// The name carries no useful extension: content sniffing must find the
	// ustar magic.
	archive := filepath.Join(t.TempDir(), "download")
	writeTarball(t, archive, func(w *os.File) (flushable, error) {
		return nopCompressor{w}, nil
	})
	dest := t.TempDir()
	if err := Extract(context.Background(), archive, dest); err != nil {
		t.Fatal(err)
	}
	checkExtracted(t, dest)
}

func TestExtractZip(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "pkg-1.0.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("pkg-1.0/main.c")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("int main(void) { return 0; }\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := Extract(context.Background(), archive, dest); err != nil {
		t.Fatal(err)
	}
	checkExtracted(t, dest)
}

func TestExtractFlatGzip(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "notes.txt.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write([]byte("plain text, not a tarball\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := Extract(context.Background(), archive, dest); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("plain text")) {
		t.Errorf("flat gzip content = %q", data)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(f)
	content := []byte("pwned")
	hdr := &tar.Header{Name: "../escape", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	if err := Extract(context.Background(), archive, dest); err == nil {
		t.Error("Extract accepted an entry escaping the destination")
	}
	if _, err := os.Lstat(filepath.Join(parent, "escape")); !os.IsNotExist(err) {
		t.Error("traversal entry was written outside the destination")
	}
}

func TestExtractUnknownFormat(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "mystery.bin")
	if err := os.WriteFile(archive, []byte("not an archive at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := Extract(context.Background(), archive, t.TempDir())
	if _, ok := err.(*UnknownFormatError); !ok {
		t.Errorf("Extract error = %v; want UnknownFormatError", err)
	}
}

func TestApplyPatches(t *testing.T) {
	if _, err := exec.LookPath("patch"); err != nil {
		t.Skip("patch binary not available")
	}
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "greeting.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A -p1 style patch: paths carry a leading component to strip.
	patchText := `--- a/greeting.txt
+++ b/greeting.txt
@@ -1 +1 @@
-hello
+goodbye
`
	patchFile := filepath.Join(t.TempDir(), "greeting.patch")
	if err := os.WriteFile(patchFile, []byte(patchText), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ApplyPatches(context.Background(), workspace, []string{patchFile}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(workspace, "greeting.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "goodbye\n" {
		t.Errorf("patched content = %q", data)
	}
}

func TestApplyPatchesRejected(t *testing.T) {
	if _, err := exec.LookPath("patch"); err != nil {
		t.Skip("patch binary not available")
	}
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "greeting.txt"), []byte("unrelated content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	patchText := `--- a/greeting.txt
+++ b/greeting.txt
@@ -1 +1 @@
-hello
+goodbye
`
	patchFile := filepath.Join(t.TempDir(), "greeting.patch")
	if err := os.WriteFile(patchFile, []byte(patchText), 0o644); err != nil {
		t.Fatal(err)
	}

	err := ApplyPatches(context.Background(), workspace, []string{patchFile})
	if _, ok := err.(*PatchRejectedError); !ok {
		t.Errorf("ApplyPatches error = %v; want PatchRejectedError", err)
	}
}
