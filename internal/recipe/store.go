// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"zombiezen.com/go/log"
)

// A Store indexes the fleet of recipes loaded from a directory.
type Store struct {
	byName map[string]*Recipe
	order  []string
}

// A NotFoundError reports a reference to a package no recipe defines.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("recipe %s: not found", e.Name)
}

// Load reads every recipe document under dir (recursively) and indexes the
// fleet. Files with a .yml or .yaml extension are considered; a file may
// hold multiple recipes, either as a sequence or as a multi-document stream.
func Load(ctx context.Context, dir string) (*Store, error) {
	s := &Store{byName: make(map[string]*Recipe)}
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yml", ".yaml":
		default:
			return nil
		}
		recipes, err := loadFile(path)
		if err != nil {
			return err
		}
		for _, r := range recipes {
			if prev, ok := s.byName[r.Name]; ok {
				return &SchemaError{File: path, Name: r.Name, Err: fmt.Errorf("already defined as version %s", prev.Version)}
			}
			s.byName[r.Name] = r
			s.order = append(s.order, r.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Every depends entry must resolve within the fleet.
	for _, name := range s.order {
		for _, dep := range s.byName[name].Depends {
			if _, ok := s.byName[dep]; !ok {
				return nil, fmt.Errorf("recipe %s: depends on %s: %w", name, dep, &NotFoundError{Name: dep})
			}
		}
	}
	sort.Strings(s.order)
	log.Debugf(ctx, "Loaded %d recipes from %s", len(s.order), dir)
	return s, nil
}

// loadFile decodes every recipe in one document file.
func loadFile(path string) ([]*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recipes []*Recipe
	dec := yaml.NewDecoder(f)
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &SchemaError{File: path, Err: err}
		}
		docRecipes, err := decodeDocument(&node)
		if err != nil {
			return nil, &SchemaError{File: path, Err: err}
		}
		recipes = append(recipes, docRecipes...)
	}
	for _, r := range recipes {
		if err := r.validate(); err != nil {
			return nil, &SchemaError{File: path, Name: r.Name, Err: err}
		}
	}
	return recipes, nil
}

// decodeDocument accepts either a single recipe mapping or a sequence of them.
// Unknown fields are ignored; unknown enum values fail in validate.
func decodeDocument(node *yaml.Node) ([]*Recipe, error) {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	switch node.Kind {
	case yaml.SequenceNode:
		var rs []*Recipe
		if err := node.Decode(&rs); err != nil {
			return nil, err
		}
		return rs, nil
	case yaml.MappingNode:
		r := new(Recipe)
		if err := node.Decode(r); err != nil {
			return nil, err
		}
		return []*Recipe{r}, nil
	default:
		return nil, fmt.Errorf("document is neither a recipe nor a recipe list")
	}
}

// Find resolves a recipe by package name.
func (s *Store) Find(name string) (*Recipe, error) {
	r, ok := s.byName[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return r, nil
}

// All returns every recipe in the fleet, sorted by name.
func (s *Store) All() []*Recipe {
	recipes := make([]*Recipe, 0, len(s.order))
	for _, name := range s.order {
		recipes = append(recipes, s.byName[name])
	}
	return recipes
}

// A CycleError reports a dependency cycle.
// Cycle holds the package names along the cycle, with the first repeated last.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Topological returns subset plus its transitive dependencies in an order
// where every dependency precedes its dependents. Duplicate references are
// deduplicated. Any cycle, including a self-cycle, fails the whole call
// with a [*CycleError] naming the cycle.
func (s *Store) Topological(subset []string) ([]*Recipe, error) {
	const (
		white = iota // unvisited
		gray         // on the visit stack
		black        // done
	)
	color := make(map[string]int, len(s.byName))
	var order []*Recipe
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		r, ok := s.byName[name]
		if !ok {
			return &NotFoundError{Name: name}
		}
		switch color[name] {
		case black:
			return nil
		case gray:
			// Trim the stack down to the start of the cycle.
			i := len(stack) - 1
			for i >= 0 && stack[i] != name {
				i--
			}
			cycle := append(append([]string(nil), stack[i:]...), name)
			return &CycleError{Cycle: cycle}
		}
		color[name] = gray
		stack = append(stack, name)
		deps := append([]string(nil), r.Depends...)
		sort.Strings(deps)
		for _, dep := range deps {
			if dep == name {
				return &CycleError{Cycle: []string{name, name}}
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		order = append(order, r)
		return nil
	}

	for _, name := range subset {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
