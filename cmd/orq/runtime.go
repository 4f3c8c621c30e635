// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/events"
	"github.com/fcanata00/Orquestrator1.0/internal/fetch"
	"github.com/fcanata00/Orquestrator1.0/internal/isolation"
	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/lockd"
	"github.com/fcanata00/Orquestrator1.0/internal/phase"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

// runtime is the assembled component graph for one command invocation.
type runtime struct {
	dir       layout.Directory
	locks     *lockd.Registry
	states    *state.Store
	recipes   *recipe.Store
	fetcher   *fetch.Fetcher
	sink      *events.FileLogSink
	recorder  events.Recorder
	isolation *isolation.Manager
	runner    *phase.Runner
	runID     string
}

// newRuntime materializes the directory tree and wires the components.
func (g *globalConfig) newRuntime(ctx context.Context) (*runtime, error) {
	dir, err := layout.Clean(g.Root)
	if err != nil {
		return nil, err
	}
	if err := dir.Ensure(); err != nil {
		return nil, err
	}

	recipes, err := recipe.Load(ctx, g.RecipesDir)
	if err != nil {
		return nil, err
	}

	locks := lockd.NewRegistry(dir.LockDir())
	sink := events.NewFileLogSink(dir)

	var recorder events.Recorder = events.NopRecorder{}
	if g.Telemetry {
		recorder = events.NewSQLiteRecorder(dir.EventsDB())
	}

	scanner := phase.DefaultScanner()
	if len(g.SilentPatterns) > 0 {
		if scanner, err = phase.NewScanner(g.SilentPatterns); err != nil {
			return nil, err
		}
	}

	iso := &isolation.Manager{
		ChrootDir:   g.ChrootDir,
		FakerootBin: g.FakerootBin,
		Locks:       locks,
	}
	rt := &runtime{
		dir:     dir,
		locks:   locks,
		states:  state.NewStore(dir),
		recipes: recipes,
		fetcher: &fetch.Fetcher{Dir: dir},
		sink:    sink,
		recorder: recorder,
		isolation: iso,
		runner: &phase.Runner{
			Sink:      sink,
			Isolation: iso,
			Scanner:   scanner,
			Timeout:   time.Duration(g.Timeout),
			Retries:   g.Retries,
		},
		runID: uuid.NewString(),
	}
	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.recorder.Close(); err != nil {
		log.Debugf(ctx, "Closing telemetry: %v", err)
	}
}

// resolveTargets expands the command line into recipes: named packages, or
// the whole fleet when all is set or no names are given.
func (rt *runtime) resolveTargets(names []string, all bool) ([]*recipe.Recipe, error) {
	if all || len(names) == 0 {
		return rt.recipes.All(), nil
	}
	targets := make([]*recipe.Recipe, 0, len(names))
	for _, name := range names {
		r, err := rt.recipes.Find(name)
		if err != nil {
			return nil, err
		}
		targets = append(targets, r)
	}
	return targets, nil
}
