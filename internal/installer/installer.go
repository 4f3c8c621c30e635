// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package installer applies packaged artifacts into a target root with a
// pre-image backup, post-install verification, and rollback on failure.
package installer

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

// ErrVerificationFailed is reported when the post-install integrity
// predicate rejects the target root; the pre-image is restored.
var ErrVerificationFailed = errors.New("install verification failed")

// A VerifyFunc is the host-defined integrity predicate.
// The default confirms the artifact's files exist under the target root
// with a recent modification time.
type VerifyFunc func(ctx context.Context, targetRoot string, files []string, installedAfter time.Time) error

// An Installer applies artifacts to a target root.
type Installer struct {
	Dir    layout.Directory
	Locks  *lockd.Registry
	States *state.Store

	// Verify overrides the default integrity predicate.
	Verify VerifyFunc
	// DryRun reports what would happen without touching the target root.
	DryRun bool
}

// An Outcome is the terminal result of one install.
type Outcome struct {
	Package string
	Status  state.Status
	Reason  string
	Err     error
}

// Install applies the artifact for (name, version) into targetRoot.
// Concurrent installers of different packages into the same root are
// allowed; the per-package install lock serializes same-package installers.
func (i *Installer) Install(ctx context.Context, name, version, targetRoot string) Outcome {
	handle, err := i.Locks.TryAcquire("install", name)
	if errors.Is(err, lockd.ErrBusy) {
		log.Infof(ctx, "%s: another installer is active, skipping", name)
		return Outcome{Package: name, Status: state.StatusSkipped, Reason: "locked"}
	}
	if err != nil {
		return Outcome{Package: name, Status: state.StatusFailed, Reason: "lock_failed", Err: err}
	}
	defer handle.Release()

	if st, err := i.States.Read(state.PhaseInstall, name); err == nil && st != nil && st.Status == state.StatusOK && st.Version == version {
		log.Infof(ctx, "%s-%s: already installed, skipping", name, version)
		return Outcome{Package: name, Status: state.StatusOK}
	}

	artifact := i.Dir.PackageArtifact(name, version)
	if !osutil.Exists(artifact) {
		err := fmt.Errorf("artifact %s does not exist", artifact)
		return i.fail(ctx, name, version, "artifact_missing", err)
	}
	files, err := readManifest(strings.TrimSuffix(artifact, ".tar.xz") + ".files")
	if err != nil {
		log.Warnf(ctx, "%s: no file manifest (%v); verification reads the artifact", name, err)
		if files, err = listArtifact(artifact); err != nil {
			return i.fail(ctx, name, version, "artifact_unreadable", err)
		}
	}

	if i.DryRun {
		log.Infof(ctx, "%s-%s: dry run, %d files would be installed into %s", name, version, len(files), targetRoot)
		return Outcome{Package: name, Status: state.StatusSkipped, Reason: "dry_run"}
	}

	backupDir := filepath.Join(targetRoot, ".backup", name+"-"+time.Now().UTC().Format("20060102T150405"))
	log.Infof(ctx, "%s-%s: backing up %s", name, version, targetRoot)
	if err := osutil.CopyTree(backupDir, targetRoot, func(entry string) bool { return entry == ".backup" }); err != nil {
		return i.fail(ctx, name, version, "backup_failed", err)
	}

	installedAt := time.Now()
	if err := extractArtifact(ctx, artifact, targetRoot); err != nil {
		i.rollback(ctx, name, targetRoot, backupDir)
		return i.fail(ctx, name, version, "install_failed", err)
	}

	verify := i.Verify
	if verify == nil {
		verify = defaultVerify
	}
	if err := verify(ctx, targetRoot, files, installedAt); err != nil {
		i.rollback(ctx, name, targetRoot, backupDir)
		return i.fail(ctx, name, version, "verification_failed", fmt.Errorf("%w: %v", ErrVerificationFailed, err))
	}

	i.writeState(ctx, &state.State{Package: name, Version: version, Status: state.StatusOK, Phase: "install"})
	log.Infof(ctx, "%s-%s: installed into %s", name, version, targetRoot)
	return Outcome{Package: name, Status: state.StatusOK}
}

// VerifyOnly runs the integrity predicate without touching the target root.
func (i *Installer) VerifyOnly(ctx context.Context, name, version, targetRoot string) Outcome {
	artifact := i.Dir.PackageArtifact(name, version)
	files, err := readManifest(strings.TrimSuffix(artifact, ".tar.xz") + ".files")
	if err != nil {
		if files, err = listArtifact(artifact); err != nil {
			return Outcome{Package: name, Status: state.StatusFailed, Reason: "artifact_unreadable", Err: err}
		}
	}
	verify := i.Verify
	if verify == nil {
		verify = defaultVerify
	}
	if err := verify(ctx, targetRoot, files, time.Time{}); err != nil {
		return Outcome{Package: name, Status: state.StatusFailed, Reason: "verification_failed", Err: err}
	}
	return Outcome{Package: name, Status: state.StatusOK}
}

func (i *Installer) fail(ctx context.Context, name, version, reason string, err error) Outcome {
	log.Errorf(ctx, "%s: install: %v", name, err)
	i.writeState(ctx, &state.State{Package: name, Version: version, Status: state.StatusFailed, Phase: "install", Reason: reason})
	return Outcome{Package: name, Status: state.StatusFailed, Reason: reason, Err: err}
}

func (i *Installer) writeState(ctx context.Context, st *state.State) {
	st.Timestamp = time.Now().UTC()
	if err := i.States.Write(state.PhaseInstall, st); err != nil {
		log.Errorf(ctx, "%s: writing install state: %v", st.Package, err)
	}
}

// rollback restores the pre-image snapshot over the target root.
func (i *Installer) rollback(ctx context.Context, name, targetRoot, backupDir string) {
	log.Warnf(ctx, "%s: restoring pre-image from %s", name, backupDir)
	if err := osutil.CopyTree(targetRoot, backupDir, nil); err != nil {
		log.Errorf(ctx, "%s: rollback failed, target root may be inconsistent: %v", name, err)
	}
}

// defaultVerify confirms the named files exist under the target root and,
// when an install time is known, were modified since.
func defaultVerify(ctx context.Context, targetRoot string, files []string, installedAfter time.Time) error {
	if len(files) == 0 {
		return errors.New("artifact lists no files")
	}
	for _, rel := range files {
		path := filepath.Join(targetRoot, filepath.FromSlash(rel))
		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("missing %s", rel)
		}
		if !installedAfter.IsZero() && info.Mode().IsRegular() && info.ModTime().Before(installedAfter.Add(-time.Minute)) {
			return fmt.Errorf("%s was not refreshed by the install", rel)
		}
	}
	return nil
}

// extractArtifact unpacks a .tar.xz artifact into the target root.
func extractArtifact(ctx context.Context, artifact, targetRoot string) error {
	f, err := os.Open(artifact)
	if err != nil {
		return err
	}
	defer f.Close()
	xr, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return err
	}
	tr := tar.NewReader(xr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rel := filepath.Clean(filepath.FromSlash(hdr.Name))
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			return fmt.Errorf("artifact entry %q escapes target root", hdr.Name)
		}
		target := filepath.Join(targetRoot, rel)
		mode := hdr.FileInfo().Mode()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode.Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()|0o200)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			log.Debugf(ctx, "Skipping artifact entry %s (type %q)", hdr.Name, hdr.Typeflag)
		}
	}
}

// readManifest loads the newline-separated file list packaged next to the
// artifact.
func readManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// listArtifact reads the regular-file names out of the artifact itself.
func listArtifact(artifact string) ([]string, error) {
	f, err := os.Open(artifact)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	xr, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(xr)
	var files []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			files = append(files, hdr.Name)
		}
	}
}
