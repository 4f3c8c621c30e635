// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"path/filepath"

	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/isolation"
	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/phase"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
)

// resolveHook turns a hook entry into a runnable shell command.
// Resolution order: absolute script path, script in the hooks directory,
// script in the workspace source tree, then inline shell text.
func (e *Engine) resolveHook(ws layout.Workspace, entry string) string {
	if entry == "" {
		return ""
	}
	if filepath.IsAbs(entry) && osutil.Exists(entry) {
		return shellQuote(entry)
	}
	if e.HooksDir != "" {
		if p := filepath.Join(e.HooksDir, entry); osutil.Exists(p) {
			return shellQuote(p)
		}
	}
	if p := filepath.Join(ws.Src, entry); osutil.Exists(p) {
		return shellQuote(p)
	}
	return entry
}

// runHook executes one hook. Hooks are non-fatal by default: a failing hook
// warns and the pipeline continues. dir is the hook's working directory;
// note that pre_extract receives the sources cache directory, not the
// workspace, so hooks can prepare or inspect downloads.
func (e *Engine) runHook(ctx context.Context, r *recipe.Recipe, ws layout.Workspace, mode recipe.Mode, session *isolation.Session, name, entry, dir string) {
	command := e.resolveHook(ws, entry)
	if command == "" {
		return
	}
	log.Debugf(ctx, "%s: running %s hook", r.Name, name)
	err := e.Runner.Run(ctx, &phase.Request{
		Pkg:     r.Name,
		Phase:   "hook-" + name,
		Command: command,
		Dir:     dir,
		EnvFile: ws.EnvFile(),
		Mode:    mode,
		Session: session,
		Retries: 0,
	})
	if err != nil {
		log.Warnf(ctx, "%s: %s hook failed (continuing): %v", r.Name, name, err)
	}
}

// shellQuote wraps a path in single quotes for safe interpolation.
func shellQuote(s string) string {
	quoted := "'"
	for _, c := range s {
		if c == '\'' {
			quoted += `'\''`
			continue
		}
		quoted += string(c)
	}
	return quoted + "'"
}
