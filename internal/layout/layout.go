// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package layout owns the on-disk directory conventions of the orchestrator.
// All absolute path construction goes through a [Directory]; no other package
// builds paths under the root by hand.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
)

// A Directory is the root of an orchestrator tree.
type Directory string

// Clean returns a Directory for the given path,
// which must be absolute.
func Clean(path string) (Directory, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("layout root %q is not absolute", path)
	}
	return Directory(filepath.Clean(path)), nil
}

// String returns the root path.
func (d Directory) String() string { return string(d) }

// SourcesRoot returns the directory holding all cached source artifacts.
func (d Directory) SourcesRoot() string { return filepath.Join(string(d), "sources") }

// Sources returns the cache directory for one package's source artifacts.
func (d Directory) Sources(pkg string) string { return filepath.Join(d.SourcesRoot(), pkg) }

// CorruptedDir returns the quarantine directory for partial or corrupted artifacts.
func (d Directory) CorruptedDir() string { return filepath.Join(d.SourcesRoot(), ".corrupted") }

// PackagesDir returns the directory holding packaged artifacts.
func (d Directory) PackagesDir() string { return filepath.Join(string(d), "packages") }

// PackageArtifact returns the path of the packaged artifact for a package.
func (d Directory) PackageArtifact(name, version string) string {
	return filepath.Join(d.PackagesDir(), name+"-"+version+".tar.xz")
}

// StateRoot returns the directory holding durable state.
func (d Directory) StateRoot() string { return filepath.Join(string(d), "state") }

// StateDir returns the per-package state directory for one phase group.
func (d Directory) StateDir(phase string) string {
	return filepath.Join(d.StateRoot(), phase+".d")
}

// StateFile returns the state file for one package under one phase group.
func (d Directory) StateFile(phase, pkg string) string {
	return filepath.Join(d.StateDir(phase), pkg+".yml")
}

// SnapshotFile returns the merged snapshot document for one phase group.
func (d Directory) SnapshotFile(phase string) string {
	return filepath.Join(d.StateRoot(), phase+".yml")
}

// LockDir returns the directory holding advisory lock files.
func (d Directory) LockDir() string { return filepath.Join(d.StateRoot(), "locks") }

// EventsDB returns the path of the telemetry database.
func (d Directory) EventsDB() string { return filepath.Join(d.StateRoot(), "events.db") }

// LogsDir returns the log directory for one package.
func (d Directory) LogsDir(pkg string) string {
	return filepath.Join(string(d), "logs", pkg)
}

// PhaseLog returns the captured-output log file for one phase of one package.
func (d Directory) PhaseLog(pkg, phase string) string {
	return filepath.Join(d.LogsDir(pkg), phase+".log")
}

// A Workspace is the ephemeral per-package directory triple.
type Workspace struct {
	Root    string
	Src     string
	Build   string
	DestDir string
}

// EnvFile returns the path of the workspace's exported environment file.
func (w Workspace) EnvFile() string { return filepath.Join(w.Root, "environment") }

// Workspace returns the workspace triple for one package.
// The directories are not created; use [Workspace.Ensure].
func (d Directory) Workspace(pkg string) Workspace {
	root := filepath.Join(string(d), "build", pkg)
	return Workspace{
		Root:    root,
		Src:     filepath.Join(root, "src"),
		Build:   filepath.Join(root, "build"),
		DestDir: filepath.Join(root, "destdir"),
	}
}

// Ensure materializes the workspace triple on disk.
func (w Workspace) Ensure() error {
	for _, dir := range []string{w.Root, w.Src, w.Build, w.DestDir} {
		if err := osutil.MkdirAllPerm(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Scrub removes the workspace contents.
// Extraction is never incremental: every fresh build starts from a scrubbed workspace.
func (w Workspace) Scrub() error {
	return os.RemoveAll(w.Root)
}

// Ensure materializes the canonical directory tree under the root.
func (d Directory) Ensure() error {
	dirs := []string{
		string(d),
		d.SourcesRoot(),
		d.CorruptedDir(),
		filepath.Join(string(d), "build"),
		d.PackagesDir(),
		d.StateRoot(),
		d.LockDir(),
		filepath.Join(string(d), "logs"),
	}
	for _, phase := range []string{"fetch", "extract", "build", "install"} {
		dirs = append(dirs, d.StateDir(phase))
	}
	for _, dir := range dirs {
		if err := osutil.MkdirAllPerm(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Quarantine moves the filesystem object at path to a timestamped name under
// the corrupted-artifacts directory and returns the new path. Retry attempts
// must never observe the partial object at its original location.
func (d Directory) Quarantine(path string) (string, error) {
	if err := osutil.MkdirAllPerm(d.CorruptedDir(), 0o755); err != nil {
		return "", err
	}
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	dst := filepath.Join(d.CorruptedDir(), filepath.Base(path)+"."+stamp)
	if err := os.Rename(path, dst); err != nil {
		// Cross-device renames can fail; fall back to copy and remove.
		var copyErr error
		if osutil.IsDir(path) {
			copyErr = osutil.CopyTree(dst, path, nil)
		} else {
			copyErr = osutil.CopyFile(dst, path)
		}
		if copyErr != nil {
			return "", fmt.Errorf("quarantine %s: %v", path, err)
		}
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("quarantine %s: %v", path, err)
		}
	}
	return dst, nil
}
