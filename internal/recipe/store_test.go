// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeRecipeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "zlib.yml", `
name: zlib
version: "1.3"
sources:
  - url: https://example.com/zlib-1.3.tar.gz
    sha256: 8a9db542a04b4ccbd6d4d6c2710be96d1e4c4c2b1fbd13d7f8d1a4d923a7ea77
build:
  configure: ./configure --prefix=/usr
  make: make
  install: make DESTDIR=$DESTDIR install
`)
	writeRecipeFile(t, dir, "multi.yml", `
- name: m4
  version: "1.4.19"
  sources:
    - https://example.com/m4-1.4.19.tar.xz
- name: bison
  version: "3.8"
  depends: [m4]
  sources:
    - url: https://example.com/bison-3.8.tar.gz
      mirrors:
        - https://mirror.example.org/bison-3.8.tar.gz
`)

	store, err := Load(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(store.All()); got != 3 {
		t.Errorf("len(All()) = %d; want 3", got)
	}

	m4, err := store.Find("m4")
	if err != nil {
		t.Fatal(err)
	}
	// The legacy inline form is a URL with no checksum.
	want := []Source{{URL: "https://example.com/m4-1.4.19.tar.xz"}}
	if diff := cmp.Diff(want, m4.Sources); diff != "" {
		t.Errorf("m4 sources (-want +got):\n%s", diff)
	}

	if _, err := store.Find("gcc"); err == nil {
		t.Error("Find(\"gcc\") did not fail")
	} else {
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			t.Errorf("Find(\"gcc\") error = %v; want NotFoundError", err)
		}
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "bad.yml", `
name: bad
version: "1"
sources: [https://example.com/bad.tar.gz]
build:
  mode: container
`)
	_, err := Load(context.Background(), dir)
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("Load error = %v; want SchemaError", err)
	}
}

func TestLoadRejectsUnresolvedDependency(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "a.yml", `
name: a
version: "1"
depends: [ghost]
sources: [https://example.com/a.tar.gz]
`)
	_, err := Load(context.Background(), dir)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Load error = %v; want NotFoundError", err)
	}
}

func TestLoadRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "a.yml", "name: a\nversion: \"1\"\nsources: [https://example.com/a.tar.gz]\n")
	writeRecipeFile(t, dir, "b.yml", "name: a\nversion: \"2\"\nsources: [https://example.com/a2.tar.gz]\n")
	if _, err := Load(context.Background(), dir); err == nil {
		t.Fatal("Load did not fail on duplicate package name")
	}
}

func newTestStore(t *testing.T, docs map[string]string) *Store {
	t.Helper()
	dir := t.TempDir()
	for name, content := range docs {
		writeRecipeFile(t, dir, name, content)
	}
	store, err := Load(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestTopological(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"fleet.yml": `
- name: a
  version: "1"
  sources: [https://example.com/a.tar.gz]
- name: b
  version: "1"
  depends: [a]
  sources: [https://example.com/b.tar.gz]
- name: c
  version: "1"
  depends: [a, b]
  sources: [https://example.com/c.tar.gz]
`,
	})

	// Ask for c twice and b once; dependencies are pulled in and
	// deduplicated.
	ordered, err := store.Topological([]string{"c", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	position := make(map[string]int)
	for i, r := range ordered {
		names = append(names, r.Name)
		position[r.Name] = i
	}
	if len(names) != 3 {
		t.Fatalf("Topological returned %v; want 3 unique packages", names)
	}
	if position["a"] > position["b"] || position["b"] > position["c"] {
		t.Errorf("Topological order %v violates dependencies", names)
	}
}

func TestTopologicalDetectsCycle(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"fleet.yml": `
- name: a
  version: "1"
  depends: [b]
  sources: [https://example.com/a.tar.gz]
- name: b
  version: "1"
  depends: [a]
  sources: [https://example.com/b.tar.gz]
`,
	})
	_, err := store.Topological([]string{"a"})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Topological error = %v; want CycleError", err)
	}
	found := map[string]bool{}
	for _, name := range cycleErr.Cycle {
		found[name] = true
	}
	if !found["a"] || !found["b"] {
		t.Errorf("cycle %v does not name both a and b", cycleErr.Cycle)
	}
}

func TestTopologicalDetectsSelfCycle(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"a.yml": "name: a\nversion: \"1\"\ndepends: [a]\nsources: [https://example.com/a.tar.gz]\n",
	})
	_, err := store.Topological([]string{"a"})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Topological error = %v; want CycleError", err)
	}
}

func TestSourceIsPatch(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/fix-build.patch", true},
		{"https://example.com/fix-build.diff", true},
		{"https://example.com/src.tar.gz", false},
		{"", false},
	}
	for _, test := range tests {
		src := &Source{URL: test.url}
		if got := src.IsPatch(); got != test.want {
			t.Errorf("Source{URL: %q}.IsPatch() = %t; want %t", test.url, got, test.want)
		}
	}
}
