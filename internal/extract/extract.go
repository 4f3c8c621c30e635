// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package extract materializes workspaces from cached source artifacts.
// Archive format dispatch sniffs content magic first and falls back to the
// file extension; supported families are tar (plain, gzip, xz, bzip2), zip,
// and bare single-file gzip.
package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
	"zombiezen.com/go/log"
)

// An UnknownFormatError reports an artifact whose format could not be
// determined from content or extension.
type UnknownFormatError struct {
	Path string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("extract %s: unknown archive format", e.Path)
}

// Extract unpacks the archive into dest, creating dest if needed.
// Top-level directories inside the archive are preserved.
// A bare single-file gzip produces dest/<name> with the .gz suffix stripped.
func Extract(ctx context.Context, archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, 6)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read %s: %v", archive, err)
	}
	header = header[:n]
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	body := io.MultiReader(bytes.NewReader(header), io.Reader(f))
	switch {
	case hasGzipMagic(header):
		zr, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("extract %s: %v", archive, err)
		}
		return extractTarOrFlat(ctx, archive, dest, zr)
	case hasXZMagic(header):
		xr, err := xz.NewReader(body)
		if err != nil {
			return fmt.Errorf("extract %s: %v", archive, err)
		}
		return extractTar(dest, xr)
	case hasBzip2Magic(header):
		br, err := bzip2.NewReader(body, nil)
		if err != nil {
			return fmt.Errorf("extract %s: %v", archive, err)
		}
		return extractTar(dest, br)
	case hasZipMagic(header):
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("read %s: %v", archive, err)
		}
		return extractZip(dest, f, size)
	case hasTarMagic(archive, header):
		return extractTar(dest, body)
	}

	// Content was inconclusive; dispatch on extension.
	switch {
	case strings.HasSuffix(archive, ".tar"):
		return extractTar(dest, body)
	case strings.HasSuffix(archive, ".zip"):
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
		return extractZip(dest, f, size)
	}
	return &UnknownFormatError{Path: archive}
}

// extractTarOrFlat handles the gzip family: usually a compressed tar, but a
// bare gzip of a single file is written out as the archive name with .gz
// stripped.
func extractTarOrFlat(ctx context.Context, archive, dest string, decompressed io.Reader) error {
	buffered := make([]byte, 512)
	n, err := io.ReadFull(decompressed, buffered)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("extract %s: %v", archive, err)
	}
	buffered = buffered[:n]
	body := io.MultiReader(bytes.NewReader(buffered), decompressed)
	if isTarHeader(buffered) {
		return extractTar(dest, body)
	}

	name := strings.TrimSuffix(filepath.Base(archive), ".gz")
	log.Debugf(ctx, "%s is a flat gzip file, writing %s", archive, name)
	out, err := os.OpenFile(filepath.Join(dest, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %v", archive, err)
	}
	return out.Close()
}

// extractTar extracts the tar stream into dst.
func extractTar(dst string, src io.Reader) error {
	r := tar.NewReader(src)
	for {
		hdr, err := nextSupportedTarHeader(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		sub, err := localizeEntry(hdr.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, sub)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		mode := hdr.FileInfo().Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, mode.Perm()); err != nil {
				return err
			}
		case mode.Type() == fs.ModeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
		default:
			if err := writeEntry(target, mode.Perm(), r); err != nil {
				return err
			}
		}
	}
}

func nextSupportedTarHeader(r *tar.Reader) (*tar.Header, error) {
	for {
		hdr, err := r.Next()
		if err != nil {
			return nil, err
		}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader:
			// Ignore.
		case tar.TypeReg, tar.TypeSymlink, tar.TypeDir:
			return hdr, nil
		default:
			return hdr, fmt.Errorf("unsupported tar entry type %q", hdr.Typeflag)
		}
	}
}

// extractZip extracts the Zip archive into dst.
func extractZip(dst string, src io.ReaderAt, srcSize int64) error {
	r, err := zip.NewReader(src, srcSize)
	if err != nil {
		return err
	}
	for _, file := range r.File {
		sub, err := localizeEntry(file.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, sub)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		mode := file.Mode()
		if mode.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return err
		}
		err = writeEntry(target, mode.Perm(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(target string, perm fs.FileMode, src io.Reader) error {
	if perm&0o200 == 0 {
		perm |= 0o200
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// localizeEntry rejects entry names that would escape the destination.
func localizeEntry(name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return cleaned, nil
}

func hasBzip2Magic(header []byte) bool {
	return bytes.HasPrefix(header, []byte("BZh"))
}

func hasZipMagic(header []byte) bool {
	return bytes.HasPrefix(header, []byte("PK\x03\x04"))
}

func hasGzipMagic(header []byte) bool {
	return bytes.HasPrefix(header, []byte{0x1f, 0x8b})
}

func hasXZMagic(header []byte) bool {
	return bytes.HasPrefix(header, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00})
}

// hasTarMagic checks the ustar magic at offset 257. Only the path is opened
// again because the sniff buffer does not reach that offset.
func hasTarMagic(path string, header []byte) bool {
	if len(header) == 0 {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 512)
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return isTarHeader(buf)
}

func isTarHeader(buf []byte) bool {
	return len(buf) >= 263 && bytes.Equal(buf[257:262], []byte("ustar"))
}
