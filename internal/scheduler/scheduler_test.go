// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fcanata00/Orquestrator1.0/internal/engine"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

// fakeBuilder records build order and returns scripted outcomes.
type fakeBuilder struct {
	mu       sync.Mutex
	order    []string
	outcomes map[string]state.Status

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (b *fakeBuilder) Build(ctx context.Context, r *recipe.Recipe) engine.Outcome {
	n := b.inFlight.Add(1)
	for {
		old := b.maxInFlight.Load()
		if n <= old || b.maxInFlight.CompareAndSwap(old, n) {
			break
		}
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	b.order = append(b.order, r.Name)
	b.mu.Unlock()
	b.inFlight.Add(-1)

	status := state.StatusOK
	if s, ok := b.outcomes[r.Name]; ok {
		status = s
	}
	outcome := engine.Outcome{Package: r.Name, Status: status}
	if status == state.StatusFailed {
		outcome.Reason = engine.ReasonMakeFailed
	}
	return outcome
}

func fleet(specs ...[2]string) []*recipe.Recipe {
	var recipes []*recipe.Recipe
	for _, spec := range specs {
		r := &recipe.Recipe{Name: spec[0], Version: "1"}
		if spec[1] != "" {
			r.Depends = []string{spec[1]}
		}
		recipes = append(recipes, r)
	}
	return recipes
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	b := &fakeBuilder{}
	s := &Scheduler{Builder: b, Concurrency: 4}
	// a <- b <- c, in topological order.
	results := s.Run(context.Background(), fleet([2]string{"a", ""}, [2]string{"b", "a"}, [2]string{"c", "b"}))

	if len(results) != 3 {
		t.Fatalf("got %d results; want 3", len(results))
	}
	pos := make(map[string]int)
	for i, name := range b.order {
		pos[name] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("build order %v violates the DAG", b.order)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	b := &fakeBuilder{delay: 20 * time.Millisecond}
	s := &Scheduler{Builder: b, Concurrency: 2}
	recipes := fleet(
		[2]string{"a", ""}, [2]string{"b", ""}, [2]string{"c", ""},
		[2]string{"d", ""}, [2]string{"e", ""}, [2]string{"f", ""},
	)
	s.Run(context.Background(), recipes)
	if got := b.maxInFlight.Load(); got > 2 {
		t.Errorf("observed %d packages in progress; want at most 2", got)
	}
}

func TestRunBlocksDependentsOfFailure(t *testing.T) {
	b := &fakeBuilder{outcomes: map[string]state.Status{"a": state.StatusFailed}}
	s := &Scheduler{Builder: b, Concurrency: 2}
	// a fails; b and c depend on it transitively; x is independent.
	recipes := fleet(
		[2]string{"a", ""},
		[2]string{"x", ""},
		[2]string{"b", "a"},
		[2]string{"c", "b"},
	)
	results := s.Run(context.Background(), recipes)

	if results["a"].Status != state.StatusFailed {
		t.Errorf("a = %+v", results["a"])
	}
	for _, name := range []string{"b", "c"} {
		if results[name].Status != StatusBlocked {
			t.Errorf("%s = %+v; want blocked", name, results[name])
		}
		if results[name].Reason != ReasonDependencyFailed {
			t.Errorf("%s reason = %q", name, results[name].Reason)
		}
	}
	// The independent branch still drained.
	if results["x"].Status != state.StatusOK {
		t.Errorf("x = %+v; want ok", results["x"])
	}
	for _, name := range b.order {
		if name == "b" || name == "c" {
			t.Errorf("blocked package %s was dispatched", name)
		}
	}
	if (Results{}).Failed() {
		t.Error("empty results reported failure")
	}
	if !results.Failed() {
		t.Error("results with failures reported success")
	}
}

func TestRunSkippedUnblocksDependents(t *testing.T) {
	b := &fakeBuilder{outcomes: map[string]state.Status{"a": state.StatusSkipped}}
	s := &Scheduler{Builder: b, Concurrency: 1}
	results := s.Run(context.Background(), fleet([2]string{"a", ""}, [2]string{"b", "a"}))
	if results["b"].Status != state.StatusOK {
		t.Errorf("b = %+v; want ok after skipped dependency", results["b"])
	}
}

func TestRunResumeSkips(t *testing.T) {
	b := &fakeBuilder{}
	s := &Scheduler{
		Builder:     b,
		Concurrency: 1,
		ShouldSkip: func(pkg string) (bool, error) {
			return pkg == "a", nil
		},
	}
	results := s.Run(context.Background(), fleet([2]string{"a", ""}, [2]string{"b", "a"}))
	if results["a"].Status != state.StatusOK {
		t.Errorf("a = %+v; want ok via resume skip", results["a"])
	}
	for _, name := range b.order {
		if name == "a" {
			t.Error("resume-skipped package was dispatched to the builder")
		}
	}
	if results["b"].Status != state.StatusOK {
		t.Errorf("b = %+v", results["b"])
	}
}
