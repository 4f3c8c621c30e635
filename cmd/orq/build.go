// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"

	"github.com/fcanata00/Orquestrator1.0/internal/engine"
	"github.com/fcanata00/Orquestrator1.0/internal/events"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/scheduler"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

type buildOptions struct {
	packages     []string
	resume       bool
	noStrip      bool
	retries      int
	jobs         int
	mode         modeFlag
	keepOnError  bool
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] [PKG [...]]",
		Short:                 "build packages through the pipeline",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().BoolVar(&opts.resume, "continue", false, "skip packages already recorded ok")
	c.Flags().BoolVar(&opts.noStrip, "no-strip", false, "do not strip installed binaries")
	c.Flags().IntVar(&opts.retries, "retry", -1, "retry failed phases `n` times")
	c.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "number of packages to build in parallel")
	c.Flags().Var(&opts.mode, "mode", "isolation mode override (auto, direct, fakeroot, chroot)")
	c.Flags().BoolVar(&opts.keepOnError, "keep-workspace", false, "keep failed workspaces instead of quarantining them")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.packages = args
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) error {
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

	retries := g.Retries
	if opts.retries >= 0 {
		retries = opts.retries
	}
	rt.runner.Retries = retries

	jobs := opts.jobs
	if jobs <= 0 {
		jobs = g.Concurrency
	}

	eng := &engine.Engine{
		Dir:           rt.dir,
		Locks:         rt.locks,
		States:        rt.states,
		Fetcher:       rt.fetcher,
		Runner:        rt.runner,
		Isolation:     rt.isolation,
		Sink:          rt.sink,
		Recorder:      rt.recorder,
		HooksDir:      g.HooksDir,
		Strip:         g.Strip && !opts.noStrip,
		ModeOverride:  recipe.Mode(opts.mode),
		KeepWorkspace: opts.keepOnError,
		Jobs:          jobs,
		RunID:         rt.runID,
	}
	sched := &scheduler.Scheduler{
		Builder:     eng,
		Recorder:    rt.recorder,
		RunID:       rt.runID,
		Concurrency: jobs,
	}
	if opts.resume {
		sched.ShouldSkip = eng.ShouldSkip
	}

	// Resource sampling runs for the life of the build batch.
	samplerCtx, stopSampler := context.WithCancel(ctx)
	sampler := events.NewSampler(rt.recorder, rt.runID, rt.dir.String(), 30*time.Second)
	go sampler.Run(samplerCtx)
	defer stopSampler()

	start := time.Now()
	results := sched.Run(ctx, ordered)
	// The snapshot is regenerated even when the run is interrupted.
	snapshotCtx, cancel := xcontext.KeepAlive(ctx, 30*time.Second)
	defer cancel()
	if err := rt.states.MergeSnapshot(state.PhaseBuild); err != nil {
		log.Errorf(snapshotCtx, "Merging state snapshot: %v", err)
	}

	summarize(ctx, results, time.Since(start))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if results.Failed() {
		return fmt.Errorf("%d of %d packages did not build", countNotOK(results), len(results))
	}
	return nil
}

func summarize(ctx context.Context, results scheduler.Results, elapsed time.Duration) {
	ok, failed, skipped, blocked := 0, 0, 0, 0
	for _, outcome := range results {
		switch outcome.Status {
		case state.StatusOK:
			ok++
		case state.StatusFailed:
			failed++
			log.Errorf(ctx, "%s: failed in %s (%s)", outcome.Package, outcome.Phase, outcome.Reason)
		case state.StatusSkipped:
			skipped++
		case scheduler.StatusBlocked:
			blocked++
		}
	}
	log.Infof(ctx, "%d ok, %d failed, %d skipped, %d blocked in %v", ok, failed, skipped, blocked, elapsed.Round(time.Second))
}

func countNotOK(results scheduler.Results) int {
	n := 0
	for _, outcome := range results {
		if outcome.Status == state.StatusFailed || outcome.Status == scheduler.StatusBlocked {
			n++
		}
	}
	return n
}
