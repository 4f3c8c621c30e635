// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/installer"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

type installOptions struct {
	packages   []string
	resume     bool
	verifyOnly bool
	dryRun     bool
	root       string
	jobs       int
}

func newInstallCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "install [options] [PKG [...]]",
		Short:                 "apply packaged artifacts into a target root",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(installOptions)
	c.Flags().BoolVar(&opts.resume, "continue", false, "skip packages already recorded ok")
	c.Flags().BoolVar(&opts.verifyOnly, "verify-only", false, "run the integrity predicate without installing")
	c.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report what would be installed")
	c.Flags().StringVar(&opts.root, "target-root", "/", "target root `dir`ectory")
	c.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "number of packages to install in parallel")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.packages = args
		return runInstall(cmd.Context(), g, opts)
	}
	return c
}

func runInstall(ctx context.Context, g *globalConfig, opts *installOptions) error {
	rt, err := g.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	targets, err := rt.resolveTargets(opts.packages, false)
	if err != nil {
		return err
	}
	ordered, err := rt.recipes.Topological(namesOf(targets))
	if err != nil {
		return err
	}

	inst := &installer.Installer{
		Dir:    rt.dir,
		Locks:  rt.locks,
		States: rt.states,
		DryRun: opts.dryRun,
	}

	jobs := opts.jobs
	if jobs <= 0 {
		jobs = 1
	}

	// Different packages may install into the same root concurrently; the
	// per-package install lock serializes duplicate installers only.
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(jobs)
	var failures atomic.Int32
	for _, r := range ordered {
		grp.Go(func() error {
			if opts.resume {
				if st, err := rt.states.Read(state.PhaseInstall, r.Name); err == nil && st != nil && st.Status == state.StatusOK {
					log.Infof(grpCtx, "%s: already installed, skipping", r.Name)
					return nil
				}
			}
			var outcome installer.Outcome
			if opts.verifyOnly {
				outcome = inst.VerifyOnly(grpCtx, r.Name, r.Version, opts.root)
			} else {
				outcome = inst.Install(grpCtx, r.Name, r.Version, opts.root)
			}
			if outcome.Status == state.StatusFailed {
				log.Errorf(grpCtx, "%s: %s: %v", r.Name, outcome.Reason, outcome.Err)
				failures.Add(1)
			}
			return nil
		})
	}
	grp.Wait()
	if err := rt.states.MergeSnapshot(state.PhaseInstall); err != nil {
		return err
	}
	if n := failures.Load(); n > 0 {
		return fmt.Errorf("%d of %d packages failed to install", n, len(ordered))
	}
	return nil
}

func namesOf(targets []*recipe.Recipe) []string {
	names := make([]string, 0, len(targets))
	for _, r := range targets {
		names = append(names, r.Name)
	}
	return names
}
