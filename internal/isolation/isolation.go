// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package isolation selects and prepares the execution mode for build
// phases: direct subprocesses, fakeroot-wrapped subprocesses, or commands
// run inside a chroot with virtual filesystems mounted.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
)

// ErrIsolationUnavailable is reported when a recipe requires an execution
// mode the host cannot provide.
var ErrIsolationUnavailable = errors.New("isolation mode unavailable")

// shell is the interpreter phase commands run under.
const shell = "/bin/bash"

// A Manager resolves execution modes and builds the corresponding commands.
type Manager struct {
	// ChrootDir is the prepared target root for chroot execution.
	// Empty means chroot is unavailable.
	ChrootDir string
	// FakerootBin is the uid-faking wrapper. Empty means "fakeroot".
	FakerootBin string
	// Locks guards destructive mount and unmount batches.
	Locks *lockd.Registry
}

func (m *Manager) fakerootBin() string {
	if m.FakerootBin == "" {
		return "fakeroot"
	}
	return m.FakerootBin
}

// Resolve maps a recipe's requested mode (with a global override) to the
// mode that will actually be used. Fakeroot degrades to direct with a
// warning when the wrapper is missing; a chroot requirement that cannot be
// met is an error, not a degradation.
func (m *Manager) Resolve(ctx context.Context, requested, override recipe.Mode, phase string) (recipe.Mode, error) {
	mode := requested
	if override != "" && override != recipe.ModeAuto {
		mode = override
	}
	if mode == "" {
		mode = recipe.ModeAuto
	}
	if mode == recipe.ModeAuto {
		// Staged installs benefit from uid faking so ownership in the
		// artifact looks like root's; other phases run directly.
		if phase == "install" && m.haveFakeroot() {
			return recipe.ModeFakeroot, nil
		}
		return recipe.ModeDirect, nil
	}
	switch mode {
	case recipe.ModeDirect:
		return recipe.ModeDirect, nil
	case recipe.ModeFakeroot:
		if !m.haveFakeroot() {
			log.Warnf(ctx, "fakeroot not found, falling back to direct execution")
			return recipe.ModeDirect, nil
		}
		return recipe.ModeFakeroot, nil
	case recipe.ModeChroot:
		if !m.canChroot() {
			return "", fmt.Errorf("chroot into %q: %w", m.ChrootDir, ErrIsolationUnavailable)
		}
		return recipe.ModeChroot, nil
	}
	return "", fmt.Errorf("mode %q: %w", mode, ErrIsolationUnavailable)
}

func (m *Manager) haveFakeroot() bool {
	_, err := exec.LookPath(m.fakerootBin())
	return err == nil
}

func (m *Manager) canChroot() bool {
	return m.ChrootDir != "" && osutil.IsDir(m.ChrootDir) && osutil.IsRoot()
}

// A CommandSpec describes one shell fragment to execute.
type CommandSpec struct {
	// Script is the shell fragment. It runs under strict mode.
	Script string
	// Dir is the working directory (a host path; for chroot it must lie
	// inside the target root).
	Dir string
	// EnvFile, if set, is sourced before the script runs.
	EnvFile string
	// Env is the complete environment for direct and fakeroot execution.
	Env []string
}

// strictScript builds the shell invocation: fail on any non-zero status,
// undefined variables, and pipeline failures; source the exported
// environment file first when one is present.
func strictScript(spec *CommandSpec) string {
	var sb strings.Builder
	sb.WriteString("set -euo pipefail\n")
	if spec.EnvFile != "" {
		fmt.Fprintf(&sb, "if [ -f %q ]; then . %q; fi\n", spec.EnvFile, spec.EnvFile)
	}
	sb.WriteString(spec.Script)
	sb.WriteString("\n")
	return sb.String()
}

// Command builds the exec.Cmd for one phase under the given resolved mode.
// For chroot mode, session must be an open [*Session].
func (m *Manager) Command(ctx context.Context, mode recipe.Mode, session *Session, spec *CommandSpec) (*exec.Cmd, error) {
	switch mode {
	case recipe.ModeDirect:
		c := exec.CommandContext(ctx, shell, "-c", strictScript(spec))
		c.Dir = spec.Dir
		c.Env = spec.Env
		return c, nil
	case recipe.ModeFakeroot:
		c := exec.CommandContext(ctx, m.fakerootBin(), shell, "-c", strictScript(spec))
		c.Dir = spec.Dir
		c.Env = spec.Env
		return c, nil
	case recipe.ModeChroot:
		return m.chrootCommand(ctx, session, spec)
	}
	return nil, fmt.Errorf("mode %q: %w", mode, ErrIsolationUnavailable)
}

// chrootCommand places a wrapper script inside the target root and executes
// it via chroot under a clean environment.
func (m *Manager) chrootCommand(ctx context.Context, session *Session, spec *CommandSpec) (*exec.Cmd, error) {
	if session == nil {
		return nil, fmt.Errorf("chroot: no mounted session: %w", ErrIsolationUnavailable)
	}
	innerDir, err := filepath.Rel(m.ChrootDir, spec.Dir)
	if err != nil || strings.HasPrefix(innerDir, "..") {
		return nil, fmt.Errorf("chroot: workdir %s is outside %s", spec.Dir, m.ChrootDir)
	}
	innerEnvFile := ""
	if spec.EnvFile != "" {
		rel, err := filepath.Rel(m.ChrootDir, spec.EnvFile)
		if err == nil && !strings.HasPrefix(rel, "..") {
			innerEnvFile = "/" + filepath.ToSlash(rel)
		}
	}

	tmpDir := filepath.Join(m.ChrootDir, "tmp")
	if err := osutil.MkdirAllPerm(tmpDir, 0o777|os.ModeSticky); err != nil {
		return nil, err
	}
	wrapper, err := os.CreateTemp(tmpDir, "orq-phase-*.sh")
	if err != nil {
		return nil, err
	}
	inner := &CommandSpec{
		Script:  "cd /" + filepath.ToSlash(innerDir) + "\n" + spec.Script,
		EnvFile: innerEnvFile,
	}
	if _, err := wrapper.WriteString("#!" + shell + "\n" + strictScript(inner)); err != nil {
		wrapper.Close()
		return nil, err
	}
	if err := wrapper.Chmod(0o755); err != nil {
		wrapper.Close()
		return nil, err
	}
	if err := wrapper.Close(); err != nil {
		return nil, err
	}

	innerWrapper := "/tmp/" + filepath.Base(wrapper.Name())
	argv := []string{"chroot", m.ChrootDir, shell, innerWrapper}
	if unsharePath, err := exec.LookPath("unshare"); err == nil {
		// Mount and PID namespaces keep the build from leaking mounts or
		// processes into the host when the kernel allows it.
		argv = append([]string{unsharePath, "--mount", "--pid", "--fork"}, argv...)
	}
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// A clean environment: only the variables every build may rely on.
	c.Env = cleanChrootEnv()
	return c, nil
}

func cleanChrootEnv() []string {
	var env []string
	for _, key := range []string{"HOME", "TERM", "PS1", "PATH"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if os.Getenv("PATH") == "" {
		env = append(env, "PATH=/usr/sbin:/usr/bin:/sbin:/bin")
	}
	return env
}
