// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

type fetchOptions struct {
	packages    []string
	all         bool
	update      bool
	gitUpdate   bool
	removeCache bool
	jobs        int
}

func newFetchCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "fetch [options] [PKG [...]]",
		Short:                 "download source artifacts into the cache",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(fetchOptions)
	c.Flags().BoolVar(&opts.all, "all", false, "fetch every recipe in the fleet")
	c.Flags().BoolVar(&opts.update, "update", false, "re-download cached artifacts even when present")
	c.Flags().BoolVar(&opts.gitUpdate, "git-update", false, "update git checkouts that already exist")
	c.Flags().BoolVar(&opts.removeCache, "remove-cache", false, "drop each package's cached sources before fetching")
	c.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "number of packages to fetch in parallel")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.packages = args
		return runFetch(cmd.Context(), g, opts)
	}
	return c
}

func runFetch(ctx context.Context, g *globalConfig, opts *fetchOptions) error {
	rt, err := g.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	targets, err := rt.resolveTargets(opts.packages, opts.all)
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
			if err := fetchPackage(grpCtx, rt, r, opts); err != nil {
				log.Errorf(grpCtx, "%s: %v", r.Name, err)
				failures.Add(1)
			}
			return nil
		})
	}
	grp.Wait()
	if err := rt.states.MergeSnapshot(state.PhaseFetch); err != nil {
		return err
	}
	if n := failures.Load(); n > 0 {
		return fmt.Errorf("%d of %d packages failed to fetch", n, len(targets))
	}
	return nil
}

// fetchPackage acquires every source of one recipe under the fetch lock and
// records the outcome.
func fetchPackage(ctx context.Context, rt *runtime, r *recipe.Recipe, opts *fetchOptions) error {
	handle, err := rt.locks.TryAcquire("fetch", r.Name)
	if errors.Is(err, lockd.ErrBusy) {
		log.Infof(ctx, "%s: fetch already in progress elsewhere, skipping", r.Name)
		return nil
	}
	if err != nil {
		return err
	}
	defer handle.Release()

	if opts.removeCache {
		// The cache drop is destructive: exclude mount and unmount batches
		// and other destructive operations while it happens.
		global, err := rt.locks.AcquireGlobal(ctx)
		if err != nil {
			return err
		}
		err = os.RemoveAll(rt.dir.Sources(r.Name))
		global.Release()
		if err != nil {
			return err
		}
	}

	writeState := func(st *state.State) {
		st.Package = r.Name
		st.Version = r.Version
		st.Timestamp = time.Now().UTC()
		if err := rt.states.Write(state.PhaseFetch, st); err != nil {
			log.Errorf(ctx, "%s: writing fetch state: %v", r.Name, err)
		}
	}

	var records []state.SourceRecord
	for i, src := range r.Sources {
		if src.IsGit() {
			if dir := rt.fetcher.GitCheckoutDir(r.Name, src); !opts.gitUpdate && isDir(dir) {
				log.Debugf(ctx, "%s: keeping existing checkout %s", r.Name, dir)
				records = append(records, state.SourceRecord{Git: src.Git, Path: dir})
				continue
			}
			dir, commit, err := rt.fetcher.FetchGit(ctx, r.Name, src)
			if err != nil {
				writeState(&state.State{Status: state.StatusFailed, Phase: state.PhaseFetch, Reason: "git_fetch_failed"})
				return err
			}
			records = append(records, state.SourceRecord{Git: src.Git, Commit: commit, Path: dir})
			continue
		}
		if opts.update {
			if cached, err := rt.fetcher.CachedPath(r.Name, src); err == nil {
				os.Remove(cached)
			}
		}
		path, err := rt.fetcher.FetchURL(ctx, r.Name, src)
		if err != nil {
			writeState(&state.State{Status: state.StatusFailed, Phase: state.PhaseFetch, Reason: "fetch_failed"})
			return fmt.Errorf("source %d: %w", i, err)
		}
		records = append(records, state.SourceRecord{URL: src.URL, SHA256: src.SHA256, Path: path})
	}
	writeState(&state.State{Status: state.StatusOK, Phase: state.PhaseFetch, Sources: records})
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
