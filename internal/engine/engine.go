// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package engine drives one package through the build pipeline:
// fetch, extract, patch, configure, make, install, strip, package.
// Every transition is persisted to the state store so an interrupted run
// can resume; failures quarantine the workspace and record a reason.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/events"
	"github.com/fcanata00/Orquestrator1.0/internal/extract"
	"github.com/fcanata00/Orquestrator1.0/internal/fetch"
	"github.com/fcanata00/Orquestrator1.0/internal/isolation"
	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/phase"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

// Pipeline stage names, persisted in state records as the phase field.
const (
	StageNew       = "new"
	StageLocked    = "locked"
	StageFetched   = "sources-fetched"
	StageExtracted = "extracted"
	StagePatched   = "patched"
	StageConfigure = "configure"
	StageMake      = "make"
	StageInstall   = "install"
	StageStripped  = "stripped"
	StagePackaged  = "packaged"
	StageDone      = "done"
)

// Failure reasons, persisted in state records.
const (
	ReasonLocked              = "locked"
	ReasonNoSources           = "no-sources-found"
	ReasonFetchFailed         = "fetch_failed"
	ReasonChecksumMismatch    = "checksum_mismatch"
	ReasonUnsupportedChecksum = "unsupported_checksum"
	ReasonGitFetchFailed      = "git_fetch_failed"
	ReasonExtractFailed       = "extract_failed"
	ReasonPatchRejected       = "patch_rejected"
	ReasonConfigureFailed     = "configure_failed"
	ReasonMakeFailed          = "make_failed"
	ReasonInstallFailed       = "install_failed"
	ReasonSilentError         = "silent_error"
	ReasonTimeout             = "timeout"
	ReasonPackageFailed       = "package_failed"
	ReasonIsolation           = "isolation_unavailable"
)

// An Engine builds packages.
type Engine struct {
	Dir       layout.Directory
	Locks     *lockd.Registry
	States    *state.Store
	Fetcher   *fetch.Fetcher
	Runner    *phase.Runner
	Isolation *isolation.Manager
	Sink      events.LogSink
	Recorder  events.Recorder

	// HooksDir is where hook script names resolve first.
	HooksDir string
	// Strip enables the binary strip pass unless a recipe overrides it.
	Strip bool
	// ModeOverride, when set, wins over every recipe's build mode.
	ModeOverride recipe.Mode
	// KeepWorkspace leaves failed workspaces in place instead of
	// quarantining them.
	KeepWorkspace bool
	// Jobs parameterizes MAKEFLAGS in phase environments.
	Jobs int
	// RunID tags telemetry events.
	RunID string
}

// An Outcome is the terminal result of one package's trip through the
// pipeline.
type Outcome struct {
	Package string
	Version string
	Status  state.Status
	Phase   string
	Reason  string
	Err     error
}

// A fetchedSource is one source entry after acquisition.
type fetchedSource struct {
	src    recipe.Source
	path   string
	sum    string
	commit string
}

// ShouldSkip reports whether a resume run can skip the package entirely:
// only a recorded ok does; any other recorded status restarts from new.
func (e *Engine) ShouldSkip(pkg string) (bool, error) {
	st, err := e.States.Read(state.PhaseBuild, pkg)
	if err != nil {
		return false, err
	}
	return st != nil && st.Status == state.StatusOK, nil
}

// Build drives one package through the full pipeline and returns its
// outcome. Failures are terminal for the package, not for the caller.
func (e *Engine) Build(ctx context.Context, r *recipe.Recipe) Outcome {
	e.event(ctx, events.LevelInfo, r.Name, "build started")

	handle, err := e.Locks.TryAcquire("build", r.Name)
	if errors.Is(err, lockd.ErrBusy) {
		// Another process owns this package; that is a skip, not a failure,
		// and the lock holder owns the state file.
		log.Infof(ctx, "%s: locked by another process, skipping", r.Name)
		return Outcome{Package: r.Name, Version: r.Version, Status: state.StatusSkipped, Phase: StageLocked, Reason: ReasonLocked}
	}
	if err != nil {
		return e.fail(ctx, r, StageNew, ReasonLocked, err)
	}
	defer handle.Release()

	if len(r.Sources) == 0 {
		log.Warnf(ctx, "%s: recipe declares no sources", r.Name)
		e.writeState(ctx, r, &state.State{Status: state.StatusSkipped, Phase: StageNew, Reason: ReasonNoSources})
		return Outcome{Package: r.Name, Version: r.Version, Status: state.StatusSkipped, Phase: StageNew, Reason: ReasonNoSources}
	}

	e.writeState(ctx, r, &state.State{Status: state.StatusInProgress, Phase: StageLocked})

	fetched, reason, err := e.fetchSources(ctx, r)
	if err != nil {
		return e.fail(ctx, r, StageFetched, reason, err)
	}
	e.writeState(ctx, r, &state.State{Status: state.StatusInProgress, Phase: StageFetched, Sources: sourceRecords(fetched)})

	ws := e.Dir.Workspace(r.Name)
	mode, err := e.Isolation.Resolve(ctx, r.Build.Mode, e.ModeOverride, "build")
	if err != nil {
		return e.fail(ctx, r, StageExtracted, ReasonIsolation, err)
	}
	var session *isolation.Session
	if mode == recipe.ModeChroot {
		session, err = e.Isolation.OpenSession(ctx)
		if err != nil {
			return e.fail(ctx, r, StageExtracted, ReasonIsolation, err)
		}
		defer func() {
			if err := session.Close(ctx, e.Locks, true); err != nil {
				log.Errorf(ctx, "%s: closing chroot session: %v", r.Name, err)
			}
		}()
	}

	// The pre-extract hook runs against the sources cache, not the
	// workspace: it exists for download side effects.
	e.runHook(ctx, r, ws, mode, session, "pre_extract", r.Hooks.PreExtract, e.Dir.Sources(r.Name))

	srcRoot, err := e.extractAll(ctx, r, ws, fetched)
	if err != nil {
		e.quarantine(ctx, ws)
		return e.fail(ctx, r, StageExtracted, ReasonExtractFailed, err)
	}
	e.writeState(ctx, r, &state.State{Status: state.StatusInProgress, Phase: StageExtracted, Sources: sourceRecords(fetched)})
	e.runHook(ctx, r, ws, mode, session, "post_extract", r.Hooks.PostExtract, srcRoot)

	if err := e.applyPatches(ctx, srcRoot, fetched); err != nil {
		e.quarantine(ctx, ws)
		return e.fail(ctx, r, StagePatched, ReasonPatchRejected, err)
	}
	e.writeState(ctx, r, &state.State{Status: state.StatusInProgress, Phase: StagePatched, Sources: sourceRecords(fetched)})
	e.runHook(ctx, r, ws, mode, session, "post_patch", r.Hooks.PostPatch, srcRoot)

	env, envFile, err := e.writeEnvironment(r, ws, srcRoot)
	if err != nil {
		return e.fail(ctx, r, StagePatched, ReasonExtractFailed, err)
	}

	e.runHook(ctx, r, ws, mode, session, "pre_build", r.Hooks.PreBuild, ws.Build)
	if r.Build.Configure != "" {
		if err := e.runPhase(ctx, r, ws, mode, session, "configure", r.Build.Configure, env, envFile); err != nil {
			e.quarantine(ctx, ws)
			return e.fail(ctx, r, StageConfigure, phaseReason(err, ReasonConfigureFailed), err)
		}
	}
	e.writeState(ctx, r, &state.State{Status: state.StatusInProgress, Phase: StageConfigure, Sources: sourceRecords(fetched)})

	if r.Build.Make != "" {
		if err := e.runPhase(ctx, r, ws, mode, session, "make", r.Build.Make, env, envFile); err != nil {
			e.quarantine(ctx, ws)
			return e.fail(ctx, r, StageMake, phaseReason(err, ReasonMakeFailed), err)
		}
	}
	e.writeState(ctx, r, &state.State{Status: state.StatusInProgress, Phase: StageMake, Sources: sourceRecords(fetched)})
	e.runHook(ctx, r, ws, mode, session, "post_build", r.Hooks.PostBuild, ws.Build)

	e.runHook(ctx, r, ws, mode, session, "pre_install", r.Hooks.PreInstall, ws.Build)
	installMode, err := e.Isolation.Resolve(ctx, r.Build.Mode, e.ModeOverride, "install")
	if err != nil {
		return e.fail(ctx, r, StageInstall, ReasonIsolation, err)
	}
	if r.Build.Install != "" {
		if err := e.runPhase(ctx, r, ws, installMode, session, "install", r.Build.Install, env, envFile); err != nil {
			e.quarantine(ctx, ws)
			return e.fail(ctx, r, StageInstall, phaseReason(err, ReasonInstallFailed), err)
		}
	}
	if !phase.DestdirPopulated(ws.DestDir) {
		e.quarantine(ctx, ws)
		err := fmt.Errorf("install staged no regular files under %s", ws.DestDir)
		return e.fail(ctx, r, StageInstall, ReasonSilentError, err)
	}
	e.writeState(ctx, r, &state.State{Status: state.StatusInProgress, Phase: StageInstall, Sources: sourceRecords(fetched)})

	if e.stripEnabled(r) {
		// Stripping is best-effort; a binary that resists is a warning.
		if err := stripTree(ctx, ws.DestDir); err != nil {
			log.Warnf(ctx, "%s: strip: %v", r.Name, err)
		}
		e.runHook(ctx, r, ws, mode, session, "post_strip", r.Hooks.PostStrip, ws.DestDir)
	}
	e.writeState(ctx, r, &state.State{Status: state.StatusInProgress, Phase: StageStripped, Sources: sourceRecords(fetched)})

	artifact, err := e.packageDestdir(ctx, r, ws)
	if err != nil {
		return e.fail(ctx, r, StagePackaged, ReasonPackageFailed, err)
	}
	e.runHook(ctx, r, ws, mode, session, "post_install", r.Hooks.PostInstall, ws.DestDir)

	final := &state.State{
		Status:   state.StatusOK,
		Phase:    StageDone,
		Sources:  sourceRecords(fetched),
		Artifact: artifact,
	}
	e.writeState(ctx, r, final)
	if !e.KeepWorkspace {
		if err := ws.Scrub(); err != nil {
			log.Warnf(ctx, "%s: scrubbing workspace: %v", r.Name, err)
		}
	}
	e.event(ctx, events.LevelInfo, r.Name, "build succeeded")
	log.Infof(ctx, "%s-%s: ok (%s)", r.Name, r.Version, artifact.Path)
	return Outcome{Package: r.Name, Version: r.Version, Status: state.StatusOK, Phase: StageDone}
}

// fetchSources acquires every source entry, in order.
func (e *Engine) fetchSources(ctx context.Context, r *recipe.Recipe) ([]fetchedSource, string, error) {
	var fetched []fetchedSource
	for i, src := range r.Sources {
		if src.IsGit() {
			dir, commit, err := e.Fetcher.FetchGit(ctx, r.Name, src)
			if err != nil {
				return nil, ReasonGitFetchFailed, err
			}
			fetched = append(fetched, fetchedSource{src: src, path: dir, commit: commit})
			continue
		}
		path, err := e.Fetcher.FetchURL(ctx, r.Name, src)
		if err != nil {
			return nil, fetchReason(err), fmt.Errorf("source %d: %w", i, err)
		}
		fetched = append(fetched, fetchedSource{src: src, path: path, sum: src.SHA256})
	}
	return fetched, "", nil
}

// extractAll materializes the workspace: archives extract into src, git
// checkouts copy in, patches wait for the patch stage. It returns the
// directory build phases treat as the source root.
func (e *Engine) extractAll(ctx context.Context, r *recipe.Recipe, ws layout.Workspace, fetched []fetchedSource) (string, error) {
	if err := ws.Scrub(); err != nil {
		return "", err
	}
	if err := ws.Ensure(); err != nil {
		return "", err
	}
	for _, f := range fetched {
		switch {
		case f.src.IsGit():
			dest := filepath.Join(ws.Src, filepath.Base(f.path))
			if err := osutil.CopyTree(dest, f.path, func(name string) bool { return name == ".git" }); err != nil {
				return "", fmt.Errorf("copy %s: %v", f.path, err)
			}
		case f.src.IsPatch():
			// Applied in the patch stage, in source-list order.
		default:
			if err := extract.Extract(ctx, f.path, ws.Src); err != nil {
				return "", err
			}
		}
	}
	return sourceRoot(ws), nil
}

// sourceRoot picks the directory the build treats as the unpacked source
// tree: the single top-level directory when the archive had exactly one,
// otherwise the src directory itself.
func sourceRoot(ws layout.Workspace) string {
	entries, err := os.ReadDir(ws.Src)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return ws.Src
	}
	return filepath.Join(ws.Src, entries[0].Name())
}

// applyPatches applies the patch entries in their source-list positions.
func (e *Engine) applyPatches(ctx context.Context, srcRoot string, fetched []fetchedSource) error {
	var patches []string
	for _, f := range fetched {
		if !f.src.IsGit() && f.src.IsPatch() {
			patches = append(patches, f.path)
		}
	}
	return extract.ApplyPatches(ctx, srcRoot, patches)
}

// runPhase executes one primary phase command.
func (e *Engine) runPhase(ctx context.Context, r *recipe.Recipe, ws layout.Workspace, mode recipe.Mode, session *isolation.Session, phaseName, command string, env []string, envFile string) error {
	return e.Runner.Run(ctx, &phase.Request{
		Pkg:     r.Name,
		Phase:   phaseName,
		Command: command,
		Dir:     ws.Build,
		EnvFile: envFile,
		Env:     env,
		Mode:    mode,
		Session: session,
		Retries: -1,
	})
}

// writeEnvironment renders the package's exported environment file and
// returns the subprocess environment.
func (e *Engine) writeEnvironment(r *recipe.Recipe, ws layout.Workspace, srcRoot string) (env []string, envFile string, err error) {
	vars := map[string]string{
		"PKG_NAME":    r.Name,
		"PKG_VERSION": r.Version,
		"SRC_DIR":     srcRoot,
		"BUILD_DIR":   ws.Build,
		"DESTDIR":     ws.DestDir,
	}
	if e.Jobs > 0 {
		vars["MAKEFLAGS"] = fmt.Sprintf("-j%d", e.Jobs)
	}
	for _, kv := range r.Environment {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, "", fmt.Errorf("environment entry %q is not KEY=VALUE", kv)
		}
		vars[key] = value
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	env = os.Environ()
	for _, k := range keys {
		fmt.Fprintf(&sb, "export %s=%q\n", k, vars[k])
		env = append(env, k+"="+vars[k])
	}
	envFile = ws.EnvFile()
	if err := osutil.WriteFilePerm(envFile, []byte(sb.String()), 0o644); err != nil {
		return nil, "", err
	}
	return env, envFile, nil
}

// writeState persists a pipeline transition under the build phase group.
func (e *Engine) writeState(ctx context.Context, r *recipe.Recipe, st *state.State) {
	st.Package = r.Name
	st.Version = r.Version
	st.Timestamp = time.Now().UTC()
	if err := e.States.Write(state.PhaseBuild, st); err != nil {
		log.Errorf(ctx, "%s: writing state: %v", r.Name, err)
	}
}

// fail records a terminal failure and returns its outcome.
func (e *Engine) fail(ctx context.Context, r *recipe.Recipe, stage, reason string, err error) Outcome {
	log.Errorf(ctx, "%s (%s): %v", r.Name, stage, err)
	e.event(ctx, events.LevelError, r.Name, fmt.Sprintf("%s failed: %v", stage, err))
	e.writeState(ctx, r, &state.State{Status: state.StatusFailed, Phase: stage, Reason: reason})
	return Outcome{Package: r.Name, Version: r.Version, Status: state.StatusFailed, Phase: stage, Reason: reason, Err: err}
}

// quarantine moves a failed workspace aside unless configured to keep it.
func (e *Engine) quarantine(ctx context.Context, ws layout.Workspace) {
	if e.KeepWorkspace {
		return
	}
	if !osutil.Exists(ws.Root) {
		return
	}
	dst, err := e.Dir.Quarantine(ws.Root)
	if err != nil {
		log.Errorf(ctx, "Quarantine %s: %v", ws.Root, err)
		return
	}
	log.Infof(ctx, "Workspace quarantined to %s", dst)
}

func (e *Engine) event(ctx context.Context, level events.Level, pkg, msg string) {
	if e.Recorder == nil {
		return
	}
	err := e.Recorder.RecordEvent(ctx, events.Event{
		RunID:     e.RunID,
		JobID:     pkg,
		Level:     level,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Debugf(ctx, "Record event: %v", err)
	}
}

func (e *Engine) stripEnabled(r *recipe.Recipe) bool {
	if r.Strip != nil {
		return *r.Strip
	}
	return e.Strip
}

// sourceRecords converts fetched sources into their durable form.
func sourceRecords(fetched []fetchedSource) []state.SourceRecord {
	records := make([]state.SourceRecord, 0, len(fetched))
	for _, f := range fetched {
		records = append(records, state.SourceRecord{
			URL:    f.src.URL,
			Git:    f.src.Git,
			SHA256: f.sum,
			Commit: f.commit,
			Path:   f.path,
		})
	}
	return records
}

// fetchReason maps a fetch error to its state reason.
func fetchReason(err error) string {
	var mismatch *fetch.ChecksumMismatchError
	var mirrors *fetch.AllMirrorsFailedError
	switch {
	case errors.Is(err, fetch.ErrUnsupportedChecksum):
		return ReasonUnsupportedChecksum
	case errors.As(err, &mismatch):
		return ReasonChecksumMismatch
	case errors.As(err, &mirrors):
		return ReasonFetchFailed
	default:
		return ReasonFetchFailed
	}
}

// phaseReason maps a phase-runner error to its state reason, preferring the
// silent-error and timeout classifications over the phase default.
func phaseReason(err error, fallback string) string {
	var timeout *phase.TimeoutError
	switch {
	case errors.Is(err, phase.ErrSilentFailure):
		return ReasonSilentError
	case errors.As(err, &timeout):
		return ReasonTimeout
	default:
		return fallback
	}
}
