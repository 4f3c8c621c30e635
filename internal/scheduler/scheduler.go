// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package scheduler dispatches packages through the pipeline with bounded
// concurrency, honoring the dependency DAG: a package enters the ready set
// only when every dependency has finished ok or been skipped, and a failure blocks its
// dependents while independent branches keep draining.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/engine"
	"github.com/fcanata00/Orquestrator1.0/internal/events"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/sets"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

// StatusBlocked marks a package that was never dispatched because a
// dependency failed. It complements the persisted state statuses.
const StatusBlocked = state.Status("blocked")

// ReasonDependencyFailed explains a blocked package.
const ReasonDependencyFailed = "dependency_failed"

// A Builder turns one recipe into an outcome. *engine.Engine implements it.
type Builder interface {
	Build(ctx context.Context, r *recipe.Recipe) engine.Outcome
}

// A SkipFunc decides whether a package can be skipped before dispatch
// (resume mode). It may be nil.
type SkipFunc func(pkg string) (bool, error)

// A Scheduler runs a set of packages through a Builder.
type Scheduler struct {
	Builder  Builder
	Recorder events.Recorder
	RunID    string

	// Concurrency bounds the worker pool. Zero means the host CPU count.
	Concurrency int
	// ShouldSkip implements resume mode.
	ShouldSkip SkipFunc
}

func (s *Scheduler) concurrency() int {
	if s.Concurrency <= 0 {
		return max(1, runtime.NumCPU())
	}
	return s.Concurrency
}

// Results maps package name to terminal outcome.
type Results map[string]engine.Outcome

// Failed reports whether any package ended failed or blocked.
func (r Results) Failed() bool {
	for _, outcome := range r {
		if outcome.Status == state.StatusFailed || outcome.Status == StatusBlocked {
			return true
		}
	}
	return false
}

// Run processes the recipes, which must already be in topological order
// (dependencies before dependents, as produced by the recipe store).
// It returns when every package has a terminal outcome or ctx is canceled;
// cancellation stops dispatching but lets in-flight workers finish their
// current package so state is never torn.
func (s *Scheduler) Run(ctx context.Context, recipes []*recipe.Recipe) Results {
	type completion struct {
		pkg     string
		outcome engine.Outcome
	}

	byName := make(map[string]*recipe.Recipe, len(recipes))
	inSet := sets.New[string]()
	for _, r := range recipes {
		byName[r.Name] = r
		inSet.Add(r.Name)
	}

	// Remaining dependency counts and the reverse edges, restricted to the
	// scheduled set.
	waiting := make(map[string]int, len(recipes))
	dependents := make(map[string]sets.Set[string], len(recipes))
	for _, r := range recipes {
		count := 0
		for _, dep := range r.Depends {
			if !inSet.Has(dep) {
				continue
			}
			count++
			if dependents[dep] == nil {
				dependents[dep] = sets.New[string]()
			}
			dependents[dep].Add(r.Name)
		}
		waiting[r.Name] = count
	}

	ready := make([]string, 0, len(recipes))
	for _, r := range recipes {
		if waiting[r.Name] == 0 {
			ready = append(ready, r.Name)
		}
	}

	jobs := make(chan *recipe.Recipe)
	completions := make(chan completion)
	var wg sync.WaitGroup
	for i := 0; i < s.concurrency(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				completions <- completion{pkg: r.Name, outcome: s.buildOne(ctx, r)}
			}
		}()
	}

	results := make(Results, len(recipes))
	pending := len(recipes)
	inFlight := 0
	stopped := false
	for pending > 0 {
		// Dispatch as much of the ready set as the worker pool accepts.
		for !stopped && len(ready) > 0 {
			if ctx.Err() != nil {
				stopped = true
				break
			}
			next := byName[ready[0]]
			select {
			case jobs <- next:
				ready = ready[1:]
				inFlight++
			case done := <-completions:
				inFlight--
				pending--
				ready = s.settle(ctx, done.pkg, done.outcome, results, waiting, dependents, &pending, ready)
			}
			continue
		}
		if stopped && inFlight == 0 {
			// Cancellation: everything not yet dispatched is abandoned
			// without an outcome; callers treat the run as failed.
			break
		}
		if pending == 0 {
			break
		}
		done := <-completions
		inFlight--
		pending--
		ready = s.settle(ctx, done.pkg, done.outcome, results, waiting, dependents, &pending, ready)
	}
	close(jobs)
	wg.Wait()
	// Drain any completion racing with shutdown.
	for inFlight > 0 {
		done := <-completions
		inFlight--
		results[done.pkg] = done.outcome
	}
	return results
}

// settle records one completion, unblocks or blocks dependents, and returns
// the updated ready list.
func (s *Scheduler) settle(ctx context.Context, pkg string, outcome engine.Outcome, results Results, waiting map[string]int, dependents map[string]sets.Set[string], pending *int, ready []string) []string {
	results[pkg] = outcome
	if outcome.Status == state.StatusOK || outcome.Status == state.StatusSkipped {
		for dep := range dependents[pkg].All() {
			waiting[dep]--
			if waiting[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		return ready
	}

	// A failure does not cancel siblings; it only blocks the transitive
	// dependents, which are never dispatched.
	blocked := []string{}
	for dep := range dependents[pkg].All() {
		blocked = append(blocked, dep)
	}
	for len(blocked) > 0 {
		name := blocked[0]
		blocked = blocked[1:]
		if _, settled := results[name]; settled {
			continue
		}
		log.Warnf(ctx, "%s: blocked by failed dependency %s", name, pkg)
		results[name] = engine.Outcome{
			Package: name,
			Status:  StatusBlocked,
			Reason:  ReasonDependencyFailed,
		}
		*pending = *pending - 1
		for dep := range dependents[name].All() {
			blocked = append(blocked, dep)
		}
	}
	return ready
}

// buildOne applies resume mode, then hands the package to the builder.
func (s *Scheduler) buildOne(ctx context.Context, r *recipe.Recipe) engine.Outcome {
	if s.ShouldSkip != nil {
		skip, err := s.ShouldSkip(r.Name)
		if err != nil {
			log.Warnf(ctx, "%s: reading state for resume: %v", r.Name, err)
		} else if skip {
			log.Infof(ctx, "%s: already ok, skipping", r.Name)
			return engine.Outcome{Package: r.Name, Version: r.Version, Status: state.StatusOK, Phase: engine.StageDone}
		}
	}
	start := time.Now()
	outcome := s.Builder.Build(ctx, r)
	log.Debugf(ctx, "%s: %s after %v", r.Name, outcome.Status, time.Since(start).Round(time.Millisecond))
	return outcome
}
