// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
)

// A GitError reports a failed git operation.
type GitError struct {
	Repo string
	Op   string
	Err  error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s %s: %v", e.Op, e.Repo, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// GitCheckoutDir returns where the repository named by src is (or would be)
// checked out in the package's source cache.
func (f *Fetcher) GitCheckoutDir(pkg string, src recipe.Source) string {
	name := strings.TrimSuffix(filepath.Base(src.Git), ".git")
	return filepath.Join(f.Dir.Sources(pkg), name)
}

// FetchGit clones or updates the repository named by src under the package's
// source cache directory and returns the checkout path and short commit id.
func (f *Fetcher) FetchGit(ctx context.Context, pkg string, src recipe.Source) (dir, commit string, err error) {
	destDir := f.Dir.Sources(pkg)
	if err := osutil.MkdirAllPerm(destDir, 0o755); err != nil {
		return "", "", err
	}
	name := strings.TrimSuffix(filepath.Base(src.Git), ".git")
	if name == "" || name == "." {
		return "", "", fmt.Errorf("git %s: cannot derive a directory name", src.Git)
	}
	dest := filepath.Join(destDir, name)

	if osutil.Exists(filepath.Join(dest, ".git")) {
		err = f.updateGit(ctx, dest, src)
	} else {
		err = f.cloneGit(ctx, dest, src)
	}
	if err != nil {
		return "", "", err
	}

	out, err := f.git(ctx, dest, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", "", &GitError{Repo: src.Git, Op: "rev-parse", Err: err}
	}
	return dest, strings.TrimSpace(out), nil
}

func (f *Fetcher) cloneGit(ctx context.Context, dest string, src recipe.Source) error {
	args := []string{"clone"}
	if src.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(src.Depth))
		if src.Ref != "" {
			// A shallow clone can only reach the requested ref.
			args = append(args, "--branch", src.Ref)
		}
	}
	args = append(args, src.Git, dest)
	log.Infof(ctx, "Cloning %s", src.Git)
	if _, err := f.git(ctx, "", args...); err != nil {
		return &GitError{Repo: src.Git, Op: "clone", Err: err}
	}
	if src.Ref != "" && src.Depth <= 0 {
		if _, err := f.git(ctx, dest, "checkout", src.Ref); err != nil {
			return &GitError{Repo: src.Git, Op: "checkout " + src.Ref, Err: err}
		}
	}
	return f.updateSubmodules(ctx, dest, src)
}

func (f *Fetcher) updateGit(ctx context.Context, dest string, src recipe.Source) error {
	log.Infof(ctx, "Updating %s", dest)
	if _, err := f.git(ctx, dest, "fetch", "--prune", "--tags", "origin"); err != nil {
		return &GitError{Repo: src.Git, Op: "fetch", Err: err}
	}
	if src.Ref != "" {
		if _, err := f.git(ctx, dest, "checkout", src.Ref); err != nil {
			// The ref may be new since the clone; fetch it explicitly.
			if _, err := f.git(ctx, dest, "fetch", "origin", src.Ref); err != nil {
				return &GitError{Repo: src.Git, Op: "fetch " + src.Ref, Err: err}
			}
			if _, err := f.git(ctx, dest, "checkout", src.Ref); err != nil {
				return &GitError{Repo: src.Git, Op: "checkout " + src.Ref, Err: err}
			}
		}
	}
	// Fast-forward when the checkout landed on a branch.
	if out, err := f.git(ctx, dest, "symbolic-ref", "-q", "HEAD"); err == nil && strings.TrimSpace(out) != "" {
		if _, err := f.git(ctx, dest, "merge", "--ff-only", "@{upstream}"); err != nil {
			log.Debugf(ctx, "No fast-forward for %s: %v", dest, err)
		}
	}
	return f.updateSubmodules(ctx, dest, src)
}

func (f *Fetcher) updateSubmodules(ctx context.Context, dest string, src recipe.Source) error {
	if !src.Submodules {
		return nil
	}
	if _, err := f.git(ctx, dest, "submodule", "update", "--init", "--recursive"); err != nil {
		return &GitError{Repo: src.Git, Op: "submodule update", Err: err}
	}
	return nil
}

// git runs one git command, returning its stdout.
func (f *Fetcher) git(ctx context.Context, dir string, args ...string) (string, error) {
	bin := f.GitBin
	if bin == "" {
		bin = "git"
	}
	c := exec.CommandContext(ctx, bin, args...)
	c.Dir = dir
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	c.Stdout = stdout
	c.Stderr = stderr
	if err := c.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%v: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}
