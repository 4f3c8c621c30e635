// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"

	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
)

// globalConfig is the flat startup configuration, merged from defaults,
// configuration files (JWCC), environment, and flags.
type globalConfig struct {
	Root        string   `json:"root"`
	RecipesDir  string   `json:"recipes"`
	HooksDir    string   `json:"hooks"`
	Concurrency int      `json:"concurrency"`
	Timeout     duration `json:"timeout"`
	Retries     int      `json:"retries"`
	Strip       bool     `json:"strip"`
	ChrootDir   string   `json:"chroot"`
	FakerootBin string   `json:"fakeroot"`
	// SilentPatterns overrides the default silent-failure regex set.
	SilentPatterns []string `json:"silentFailurePatterns"`
	Telemetry      bool     `json:"telemetry"`
	Debug          bool     `json:"debug"`

	configPath string
}

// duration is a time.Duration that (un)marshals as a Go duration string.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("duration %s: must be a string like \"2h\"", data)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Root:       "/var/lib/orq",
		RecipesDir: "/etc/orq/recipes",
		HooksDir:   "/etc/orq/hooks",
		Timeout:    duration(2 * time.Hour),
		Retries:    0,
		Strip:      true,
		Telemetry:  true,
	}
}

// load merges configuration files and the environment into g.
// An explicitly named configuration file must exist; the default search
// locations are optional.
func (g *globalConfig) load() error {
	if g.configPath != "" {
		if err := g.mergeFiles(func(yield func(string) bool) { yield(g.configPath) }, true); err != nil {
			return err
		}
	} else if err := g.mergeFiles(defaultConfigFiles(), false); err != nil {
		return err
	}
	return g.mergeEnvironment()
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string], required bool) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !required {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

func (g *globalConfig) mergeEnvironment() error {
	if root := os.Getenv("ORQ_ROOT"); root != "" {
		g.Root = root
	}
	if dir := os.Getenv("ORQ_RECIPES"); dir != "" {
		g.RecipesDir = dir
	}
	if dir := os.Getenv("ORQ_HOOKS"); dir != "" {
		g.HooksDir = dir
	}
	if jobs := os.Getenv("ORQ_JOBS"); jobs != "" {
		n, err := strconv.Atoi(jobs)
		if err != nil {
			return fmt.Errorf("ORQ_JOBS: %v", err)
		}
		g.Concurrency = n
	}
	if chroot := os.Getenv("ORQ_CHROOT"); chroot != "" {
		g.ChrootDir = chroot
	}
	return nil
}

// defaultConfigFiles yields the configuration search path, system first so
// user configuration wins on conflicting keys.
func defaultConfigFiles() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield("/etc/orq/config.json") {
			return
		}
		if dir := userConfigDir(); dir != "" {
			yield(filepath.Join(dir, "orq", "config.json"))
		}
	}
}

// modeFlag adapts recipe.Mode to pflag.Value.
type modeFlag recipe.Mode

func (f *modeFlag) Type() string   { return "string" }
func (f modeFlag) String() string  { return string(f) }
func (f *modeFlag) Set(s string) error {
	switch recipe.Mode(s) {
	case recipe.ModeAuto, recipe.ModeDirect, recipe.ModeFakeroot, recipe.ModeChroot:
		*f = modeFlag(s)
		return nil
	}
	return fmt.Errorf("unknown mode %q (want auto, direct, fakeroot, or chroot)", s)
}
