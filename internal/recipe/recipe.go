// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package recipe defines the declarative package recipe schema and the store
// that loads, indexes, and topologically orders recipes.
package recipe

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects how build phases are executed.
type Mode string

// Execution modes.
const (
	ModeAuto     Mode = "auto"
	ModeDirect   Mode = "direct"
	ModeFakeroot Mode = "fakeroot"
	ModeChroot   Mode = "chroot"
)

func (m Mode) valid() bool {
	switch m {
	case "", ModeAuto, ModeDirect, ModeFakeroot, ModeChroot:
		return true
	}
	return false
}

// A Recipe describes how to obtain, configure, build, and install one package.
type Recipe struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Sources     []Source `yaml:"sources"`
	Depends     []string `yaml:"depends"`
	Build       Build    `yaml:"build"`
	Environment []string `yaml:"environment"`
	Hooks       Hooks    `yaml:"hooks"`
	// Strip overrides the global strip-binaries flag when set.
	Strip *bool `yaml:"strip"`
}

// Build holds the phase shell commands for one package.
// The install command must honor a DESTDIR parameterization.
type Build struct {
	Configure string `yaml:"configure"`
	Make      string `yaml:"make"`
	Install   string `yaml:"install"`
	Mode      Mode   `yaml:"mode"`
}

// Hooks are optional scripts run at fixed pipeline points.
// Each entry is a script path resolved against the hooks directory,
// a script path inside the workspace, or an inline shell command.
type Hooks struct {
	PreExtract  string `yaml:"pre_extract"`
	PostExtract string `yaml:"post_extract"`
	PostPatch   string `yaml:"post_patch"`
	PreBuild    string `yaml:"pre_build"`
	PostBuild   string `yaml:"post_build"`
	PreInstall  string `yaml:"pre_install"`
	PostInstall string `yaml:"post_install"`
	PostStrip   string `yaml:"post_strip"`
}

// A Source is one entry of a recipe's ordered source list.
// Exactly one of URL or Git is set.
type Source struct {
	// URL names a remote artifact, optionally checksummed and mirrored.
	URL     string   `yaml:"url"`
	SHA256  string   `yaml:"sha256"`
	Mirrors []string `yaml:"mirrors"`

	// Git names a version-controlled repository.
	Git        string `yaml:"git"`
	Ref        string `yaml:"ref"`
	Depth      int    `yaml:"depth"`
	Submodules bool   `yaml:"submodules"`
}

// UnmarshalYAML accepts either the mapping form or the legacy inline-string
// form, which is treated as a URL with no checksum.
func (s *Source) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var u string
		if err := node.Decode(&u); err != nil {
			return err
		}
		*s = Source{URL: u}
		return nil
	}
	type plain Source
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Source(p)
	return nil
}

// IsGit reports whether the source names a version-controlled repository.
func (s *Source) IsGit() bool { return s.Git != "" }

// IsPatch reports whether the source is a patch rather than an archive.
// Patch detection is by extension: .patch and .diff files are applied to the
// workspace in source-list order instead of being extracted.
func (s *Source) IsPatch() bool {
	return strings.HasSuffix(s.URL, ".patch") || strings.HasSuffix(s.URL, ".diff")
}

// A SchemaError reports a recipe document that failed validation.
type SchemaError struct {
	File string
	Name string
	Err  error
}

func (e *SchemaError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("recipe %s (%s): %v", e.Name, e.File, e.Err)
	}
	return fmt.Sprintf("recipe file %s: %v", e.File, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// validate checks the invariants that hold for every loaded recipe.
func (r *Recipe) validate() error {
	if r.Name == "" {
		return fmt.Errorf("missing name")
	}
	if r.Version == "" {
		return fmt.Errorf("missing version")
	}
	if !r.Build.Mode.valid() {
		return fmt.Errorf("unknown build mode %q", r.Build.Mode)
	}
	for i, src := range r.Sources {
		switch {
		case src.URL == "" && src.Git == "":
			return fmt.Errorf("sources[%d]: neither url nor git", i)
		case src.URL != "" && src.Git != "":
			return fmt.Errorf("sources[%d]: both url and git", i)
		}
	}
	return nil
}
