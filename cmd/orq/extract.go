// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/extract"
	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

type extractOptions struct {
	packages []string
	jobs     int
}

func newExtractCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "extract [options] [PKG [...]]",
		Short:                 "materialize workspaces from cached sources",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(extractOptions)
	c.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "number of packages to extract in parallel")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.packages = args
		return runExtract(cmd.Context(), g, opts)
	}
	return c
}

func runExtract(ctx context.Context, g *globalConfig, opts *extractOptions) error {
	rt, err := g.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	targets, err := rt.resolveTargets(opts.packages, false)
	if err != nil {
		return err
	}
	jobs := opts.jobs
	if jobs <= 0 {
		jobs = g.Concurrency
	}
	if jobs <= 0 {
		jobs = 2
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(jobs)
	var failures atomic.Int32
	for _, r := range targets {
		grp.Go(func() error {
			if err := extractPackage(grpCtx, rt, r); err != nil {
				log.Errorf(grpCtx, "%s: %v", r.Name, err)
				failures.Add(1)
			}
			return nil
		})
	}
	grp.Wait()
	if err := rt.states.MergeSnapshot(state.PhaseExtract); err != nil {
		return err
	}
	if n := failures.Load(); n > 0 {
		return fmt.Errorf("%d of %d packages failed to extract", n, len(targets))
	}
	return nil
}

// extractPackage scrubs and re-materializes one package's workspace from the
// cache, applying patches.
func extractPackage(ctx context.Context, rt *runtime, r *recipe.Recipe) error {
	handle, err := rt.locks.TryAcquire("extract", r.Name)
	if errors.Is(err, lockd.ErrBusy) {
		log.Infof(ctx, "%s: extract already in progress elsewhere, skipping", r.Name)
		return nil
	}
	if err != nil {
		return err
	}
	defer handle.Release()

	writeState := func(st *state.State) {
		st.Package = r.Name
		st.Version = r.Version
		st.Timestamp = time.Now().UTC()
		if err := rt.states.Write(state.PhaseExtract, st); err != nil {
			log.Errorf(ctx, "%s: writing extract state: %v", r.Name, err)
		}
	}

	ws := rt.dir.Workspace(r.Name)
	if err := ws.Scrub(); err != nil {
		return err
	}
	if err := ws.Ensure(); err != nil {
		return err
	}

	var patches []string
	for _, src := range r.Sources {
		switch {
		case src.IsGit():
			dir := rt.fetcher.GitCheckoutDir(r.Name, src)
			dest := filepath.Join(ws.Src, filepath.Base(dir))
			if err := osutil.CopyTree(dest, dir, func(name string) bool { return name == ".git" }); err != nil {
				writeState(&state.State{Status: state.StatusFailed, Phase: state.PhaseExtract, Reason: "extract_failed"})
				return err
			}
		case src.IsPatch():
			cached, err := rt.fetcher.CachedPath(r.Name, src)
			if err != nil {
				return err
			}
			patches = append(patches, cached)
		default:
			cached, err := rt.fetcher.CachedPath(r.Name, src)
			if err != nil {
				return err
			}
			if err := extract.Extract(ctx, cached, ws.Src); err != nil {
				if _, qerr := rt.dir.Quarantine(ws.Root); qerr != nil {
					log.Errorf(ctx, "Quarantine %s: %v", ws.Root, qerr)
				}
				writeState(&state.State{Status: state.StatusFailed, Phase: state.PhaseExtract, Reason: "extract_failed"})
				return err
			}
		}
	}

	srcRoot := workspaceSourceRoot(ws)
	if err := extract.ApplyPatches(ctx, srcRoot, patches); err != nil {
		if _, qerr := rt.dir.Quarantine(ws.Root); qerr != nil {
			log.Errorf(ctx, "Quarantine %s: %v", ws.Root, qerr)
		}
		writeState(&state.State{Status: state.StatusFailed, Phase: state.PhaseExtract, Reason: "patch_rejected"})
		return err
	}

	writeState(&state.State{Status: state.StatusOK, Phase: state.PhaseExtract})
	log.Infof(ctx, "%s: workspace ready at %s", r.Name, ws.Src)
	return nil
}

func workspaceSourceRoot(ws layout.Workspace) string {
	entries, err := os.ReadDir(ws.Src)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return ws.Src
	}
	return filepath.Join(ws.Src, entries[0].Name())
}
