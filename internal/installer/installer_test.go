// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package installer

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

func newTestInstaller(t *testing.T) *Installer {
	t.Helper()
	dir, err := layout.Clean(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.Ensure(); err != nil {
		t.Fatal(err)
	}
	return &Installer{
		Dir:    dir,
		Locks:  lockd.NewRegistry(dir.LockDir()),
		States: state.NewStore(dir),
	}
}

// writeArtifact stages an artifact tarball plus its file manifest for
// (name, version).
func writeArtifact(t *testing.T, i *Installer, name, version string, files map[string]string) {
	t.Helper()
	path := i.Dir.PackageArtifact(name, version)
	if err := osutil.MkdirAllPerm(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	xzw, err := xz.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(xzw)
	manifest := ""
	for rel, content := range files {
		hdr := &tar.Header{Name: rel, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
		manifest += rel + "\n"
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := xzw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	manifestPath := filepath.Join(filepath.Dir(path), name+"-"+version+".files")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInstall(t *testing.T) {
	i := newTestInstaller(t)
	writeArtifact(t, i, "alpha", "1", map[string]string{
		"usr/bin/alpha": "#!/bin/sh\necho alpha\n",
	})
	targetRoot := t.TempDir()

	outcome := i.Install(context.Background(), "alpha", "1", targetRoot)
	if outcome.Status != state.StatusOK {
		t.Fatalf("Install = %+v", outcome)
	}
	data, err := os.ReadFile(filepath.Join(targetRoot, "usr", "bin", "alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("installed file is empty")
	}

	st, err := i.States.Read(state.PhaseInstall, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.Status != state.StatusOK {
		t.Errorf("install state = %+v", st)
	}

	// A pre-image snapshot was taken.
	entries, err := os.ReadDir(filepath.Join(targetRoot, ".backup"))
	if err != nil || len(entries) != 1 {
		t.Errorf("backup dir entries = %v, %v; want exactly one snapshot", entries, err)
	}
}

func TestInstallAlreadyOKSkips(t *testing.T) {
	i := newTestInstaller(t)
	writeArtifact(t, i, "alpha", "1", map[string]string{"usr/bin/alpha": "x"})
	targetRoot := t.TempDir()
	if outcome := i.Install(context.Background(), "alpha", "1", targetRoot); outcome.Status != state.StatusOK {
		t.Fatalf("first install = %+v", outcome)
	}
	// Drop the installed tree; the recorded ok short-circuits the re-run.
	if err := os.RemoveAll(filepath.Join(targetRoot, "usr")); err != nil {
		t.Fatal(err)
	}
	if outcome := i.Install(context.Background(), "alpha", "1", targetRoot); outcome.Status != state.StatusOK {
		t.Fatalf("second install = %+v", outcome)
	}
	if _, err := os.Lstat(filepath.Join(targetRoot, "usr")); !os.IsNotExist(err) {
		t.Error("second install re-extracted despite recorded ok")
	}
}

func TestInstallRollbackOnVerificationFailure(t *testing.T) {
	i := newTestInstaller(t)
	i.Verify = func(ctx context.Context, targetRoot string, files []string, installedAfter time.Time) error {
		return errors.New("integrity predicate says no")
	}
	writeArtifact(t, i, "alpha", "1", map[string]string{"usr/bin/alpha": "x"})

	targetRoot := t.TempDir()
	precious := filepath.Join(targetRoot, "etc", "precious.conf")
	if err := os.MkdirAll(filepath.Dir(precious), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(precious, []byte("keep me\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome := i.Install(context.Background(), "alpha", "1", targetRoot)
	if outcome.Status != state.StatusFailed {
		t.Fatalf("Install = %+v; want failed", outcome)
	}
	if !errors.Is(outcome.Err, ErrVerificationFailed) {
		t.Errorf("outcome error = %v; want ErrVerificationFailed", outcome.Err)
	}
	// The pre-image survived the rollback.
	data, err := os.ReadFile(precious)
	if err != nil || string(data) != "keep me\n" {
		t.Errorf("pre-image content = %q, %v", data, err)
	}

	st, err := i.States.Read(state.PhaseInstall, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != state.StatusFailed {
		t.Errorf("install state = %+v", st)
	}
}

func TestInstallMissingArtifact(t *testing.T) {
	i := newTestInstaller(t)
	outcome := i.Install(context.Background(), "ghost", "1", t.TempDir())
	if outcome.Status != state.StatusFailed {
		t.Fatalf("Install = %+v; want failed", outcome)
	}
}

func TestInstallDryRun(t *testing.T) {
	i := newTestInstaller(t)
	i.DryRun = true
	writeArtifact(t, i, "alpha", "1", map[string]string{"usr/bin/alpha": "x"})
	targetRoot := t.TempDir()

	outcome := i.Install(context.Background(), "alpha", "1", targetRoot)
	if outcome.Status != state.StatusSkipped {
		t.Fatalf("dry-run Install = %+v; want skipped", outcome)
	}
	if _, err := os.Lstat(filepath.Join(targetRoot, "usr")); !os.IsNotExist(err) {
		t.Error("dry run touched the target root")
	}
}

func TestDefaultVerify(t *testing.T) {
	targetRoot := t.TempDir()
	bin := filepath.Join(targetRoot, "usr", "bin", "alpha")
	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bin, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := defaultVerify(context.Background(), targetRoot, []string{"usr/bin/alpha"}, time.Now().Add(-time.Second)); err != nil {
		t.Errorf("fresh file rejected: %v", err)
	}
	if err := defaultVerify(context.Background(), targetRoot, []string{"usr/bin/missing"}, time.Time{}); err == nil {
		t.Error("missing file accepted")
	}
	if err := defaultVerify(context.Background(), targetRoot, nil, time.Time{}); err == nil {
		t.Error("empty manifest accepted")
	}
}
