// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// orq is a build orchestrator for Linux-From-Scratch style package fleets:
// it drives declarative recipes through fetch, extract, patch, build, and
// install with bounded concurrency and crash-safe resumption.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "orq",
		Short:         "LFS build orchestrator",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	rootCommand.PersistentFlags().StringVar(&g.configPath, "config", "", "`path` to a configuration file")
	rootCommand.PersistentFlags().StringVar(&g.Root, "root", g.Root, "orchestrator root `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.RecipesDir, "recipes", g.RecipesDir, "`path` to the recipe directory")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Explicit flags take precedence over configuration files and the environment.
		flagRoot, flagRecipes := g.Root, g.RecipesDir
		if err := g.load(); err != nil {
			initLogging(*showDebug)
			return err
		}
		if cmd.Flags().Changed("root") {
			g.Root = flagRoot
		}
		if cmd.Flags().Changed("recipes") {
			g.RecipesDir = flagRecipes
		}
		initLogging(*showDebug || g.Debug)
		return nil
	}

	rootCommand.AddCommand(
		newFetchCommand(g),
		newExtractCommand(g),
		newBuildCommand(g),
		newInstallCommand(g),
		newStateCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		flags := log.StdFlags
		if term.IsTerminal(int(os.Stderr.Fd())) {
			// Interactive runs do not need timestamps.
			flags = 0
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "orq: ", flags, nil),
		})
	})
}
