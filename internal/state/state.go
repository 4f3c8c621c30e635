// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package state persists per-package phase outcomes.
// The on-disk records are the authority for cross-process resumption;
// in-memory registries owned by the scheduler are write-through caches.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"github.com/fcanata00/Orquestrator1.0/internal/layout"
)

// Status is the outcome of a package under one phase group.
type Status string

// Statuses.
const (
	StatusOK         Status = "ok"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusInProgress Status = "in_progress"
)

// Phase groups with durable state directories.
const (
	PhaseFetch   = "fetch"
	PhaseExtract = "extract"
	PhaseBuild   = "build"
	PhaseInstall = "install"
)

// A SourceRecord captures the outcome of fetching one source entry.
type SourceRecord struct {
	URL    string `yaml:"url,omitempty"`
	Git    string `yaml:"git,omitempty"`
	SHA256 string `yaml:"sha256,omitempty"`
	// Commit is the short commit id a git source resolved to.
	Commit string `yaml:"commit,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// An ArtifactRecord describes a packaged artifact.
type ArtifactRecord struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
}

// A State is the durable record of one package under one phase group.
type State struct {
	Package   string          `yaml:"package"`
	Version   string          `yaml:"version,omitempty"`
	Status    Status          `yaml:"status"`
	Phase     string          `yaml:"phase,omitempty"`
	Reason    string          `yaml:"reason,omitempty"`
	Timestamp time.Time       `yaml:"timestamp"`
	Sources   []SourceRecord  `yaml:"sources,omitempty"`
	Artifact  *ArtifactRecord `yaml:"package_artifact,omitempty"`
}

// A Store reads and writes per-package state files.
// Reads are lock-free; callers serialize writers through the lock registry.
type Store struct {
	dir layout.Directory
}

// NewStore returns a store over the given layout root.
func NewStore(dir layout.Directory) *Store {
	return &Store{dir: dir}
}

// Read returns the recorded state of pkg under the given phase group,
// or nil if the package was never attempted.
func (s *Store) Read(phase, pkg string) (*State, error) {
	data, err := os.ReadFile(s.dir.StateFile(phase, pkg))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st := new(State)
	if err := yaml.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("state %s/%s: %v", phase, pkg, err)
	}
	return st, nil
}

// Write atomically persists the state of pkg under the given phase group.
// The write is temp-file-then-rename so readers never observe a torn record.
func (s *Store) Write(phase string, st *State) error {
	if st.Package == "" {
		return fmt.Errorf("state write: empty package name")
	}
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	path := s.dir.StateFile(phase, st.Package)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("state %s/%s: %v", phase, st.Package, err)
	}
	return nil
}

// All returns the recorded states under one phase group, keyed by package.
func (s *Store) All(phase string) (map[string]*State, error) {
	entries, err := os.ReadDir(s.dir.StateDir(phase))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	states := make(map[string]*State)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yml") {
			continue
		}
		pkg := strings.TrimSuffix(name, ".yml")
		st, err := s.Read(phase, pkg)
		if err != nil {
			return nil, err
		}
		if st != nil {
			states[pkg] = st
		}
	}
	return states, nil
}

// MergeSnapshot concatenates the per-package states of one phase group into
// a single document under a top-level packages mapping, written atomically
// next to the phase directory. Snapshotting twice with unchanged inputs
// yields identical bytes.
func (s *Store) MergeSnapshot(phase string) error {
	states, err := s.All(phase)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	var doc yaml.Node
	doc.Kind = yaml.MappingNode
	var packages yaml.Node
	packages.Kind = yaml.MappingNode
	for _, name := range names {
		var key, value yaml.Node
		key.SetString(name)
		if err := value.Encode(states[name]); err != nil {
			return err
		}
		packages.Content = append(packages.Content, &key, &value)
	}
	var packagesKey yaml.Node
	packagesKey.SetString("packages")
	doc.Content = append(doc.Content, &packagesKey, &packages)

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.dir.SnapshotFile(phase), data, 0o644)
}
