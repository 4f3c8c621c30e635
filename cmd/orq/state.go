// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fcanata00/Orquestrator1.0/internal/state"
)

type stateOptions struct {
	packages []string
	merge    bool
	phase    string
}

func newStateCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "state [options] [PKG [...]]",
		Short:                 "inspect per-package state records",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(stateOptions)
	c.Flags().BoolVar(&opts.merge, "merge", false, "regenerate the merged snapshots")
	c.Flags().StringVar(&opts.phase, "phase", state.PhaseBuild, "phase group to inspect (fetch, extract, build, install)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.packages = args
		return runState(cmd.Context(), g, opts)
	}
	return c
}

func runState(ctx context.Context, g *globalConfig, opts *stateOptions) error {
	rt, err := g.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	switch opts.phase {
	case state.PhaseFetch, state.PhaseExtract, state.PhaseBuild, state.PhaseInstall:
	default:
		return fmt.Errorf("unknown phase group %q", opts.phase)
	}

	if opts.merge {
		for _, phase := range []string{state.PhaseFetch, state.PhaseExtract, state.PhaseBuild, state.PhaseInstall} {
			if err := rt.states.MergeSnapshot(phase); err != nil {
				return err
			}
		}
	}

	states, err := rt.states.All(opts.phase)
	if err != nil {
		return err
	}
	selected := make(map[string]*state.State)
	if len(opts.packages) == 0 {
		selected = states
	} else {
		for _, name := range opts.packages {
			if st, ok := states[name]; ok {
				selected[name] = st
			} else {
				fmt.Fprintf(os.Stderr, "%s: never attempted\n", name)
			}
		}
	}

	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	for _, name := range names {
		if err := enc.Encode(selected[name]); err != nil {
			return err
		}
	}
	return nil
}
