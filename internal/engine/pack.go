// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

// packageDestdir archives the staged install root into the packages
// directory and records the artifact's content hash and file manifest.
func (e *Engine) packageDestdir(ctx context.Context, r *recipe.Recipe, ws layout.Workspace) (*state.ArtifactRecord, error) {
	if err := osutil.MkdirAllPerm(e.Dir.PackagesDir(), 0o755); err != nil {
		return nil, err
	}
	artifactPath := e.Dir.PackageArtifact(r.Name, r.Version)
	files, err := writeTarXZ(artifactPath, ws.DestDir)
	if err != nil {
		os.Remove(artifactPath)
		return nil, fmt.Errorf("package %s: %w", r.Name, err)
	}

	sum, err := hashFile(artifactPath)
	if err != nil {
		return nil, err
	}
	if err := osutil.WriteFilePerm(artifactPath+".sha256", []byte(sum+"  "+filepath.Base(artifactPath)+"\n"), 0o644); err != nil {
		return nil, err
	}
	manifest := strings.Join(files, "\n") + "\n"
	manifestPath := strings.TrimSuffix(artifactPath, ".tar.xz") + ".files"
	if err := osutil.WriteFilePerm(manifestPath, []byte(manifest), 0o644); err != nil {
		return nil, err
	}

	log.Debugf(ctx, "Packaged %d files into %s", len(files), artifactPath)
	return &state.ArtifactRecord{Path: artifactPath, SHA256: sum}, nil
}

// writeTarXZ archives the tree rooted at dir into an xz-compressed tarball
// and returns the sorted relative paths of the regular files it contains.
func writeTarXZ(dest, dir string) (files []string, err error) {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
	}()

	xzw, err := xz.NewWriter(out)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(xzw)

	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		link := ""
		if entry.Type()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if entry.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := xzw.Close(); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
