// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package phase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fcanata00/Orquestrator1.0/internal/events"
	"github.com/fcanata00/Orquestrator1.0/internal/isolation"
	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
)

func newTestRunner(t *testing.T) (*Runner, layout.Directory) {
	t.Helper()
	dir, err := layout.Clean(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.Ensure(); err != nil {
		t.Fatal(err)
	}
	r := &Runner{
		Sink:           events.NewFileLogSink(dir),
		Isolation:      &isolation.Manager{},
		InitialBackoff: time.Millisecond,
	}
	return r, dir
}

func TestRunCapturesOutput(t *testing.T) {
	r, dir := newTestRunner(t)
	workDir := t.TempDir()
	err := r.Run(context.Background(), &Request{
		Pkg:     "zlib",
		Phase:   "make",
		Command: "echo compiling object one; echo compiling object two >&2",
		Dir:     workDir,
		Mode:    recipe.ModeDirect,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dir.PhaseLog("zlib", "make"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"compiling object one", "compiling object two"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("phase log %q is missing %q", data, want)
		}
	}
}

func TestRunStrictMode(t *testing.T) {
	r, _ := newTestRunner(t)
	err := r.Run(context.Background(), &Request{
		Pkg:     "zlib",
		Phase:   "configure",
		Command: "false; echo should not be reached",
		Dir:     t.TempDir(),
		Mode:    recipe.ModeDirect,
	})
	if err == nil {
		t.Error("a failing first command did not fail the phase")
	}
}

func TestRunUndefinedVariableFails(t *testing.T) {
	r, _ := newTestRunner(t)
	err := r.Run(context.Background(), &Request{
		Pkg:     "zlib",
		Phase:   "configure",
		Command: `echo "$THIS_VARIABLE_IS_NOT_SET"`,
		Dir:     t.TempDir(),
		Mode:    recipe.ModeDirect,
	})
	if err == nil {
		t.Error("an undefined variable did not fail the phase")
	}
}

func TestRunSourcesEnvironmentFile(t *testing.T) {
	r, dir := newTestRunner(t)
	envFile := filepath.Join(t.TempDir(), "environment")
	if err := os.WriteFile(envFile, []byte("export GREETING=bonjour\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := r.Run(context.Background(), &Request{
		Pkg:     "zlib",
		Phase:   "configure",
		Command: `echo "greeting is $GREETING"`,
		Dir:     t.TempDir(),
		EnvFile: envFile,
		Mode:    recipe.ModeDirect,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dir.PhaseLog("zlib", "configure"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "greeting is bonjour") {
		t.Errorf("phase log = %q", data)
	}
}

func TestRunDetectsSilentFailure(t *testing.T) {
	r, _ := newTestRunner(t)
	err := r.Run(context.Background(), &Request{
		Pkg:     "zlib",
		Phase:   "make",
		Command: "echo 'ld: cannot find -lfoo'; exit 0",
		Dir:     t.TempDir(),
		Mode:    recipe.ModeDirect,
	})
	if !errors.Is(err, ErrSilentFailure) {
		t.Fatalf("Run error = %v; want ErrSilentFailure", err)
	}
}

func TestRunTimeout(t *testing.T) {
	r, _ := newTestRunner(t)
	start := time.Now()
	err := r.Run(context.Background(), &Request{
		Pkg:     "zlib",
		Phase:   "make",
		Command: "sleep 30",
		Dir:     t.TempDir(),
		Mode:    recipe.ModeDirect,
		Timeout: 100 * time.Millisecond,
	})
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Run error = %v; want TimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("timed-out phase took %v to return", elapsed)
	}
}

func TestRunRetries(t *testing.T) {
	r, _ := newTestRunner(t)
	marker := filepath.Join(t.TempDir(), "attempted")
	// Fails on the first attempt, succeeds on the second.
	command := "if [ -e " + marker + " ]; then echo done; else touch " + marker + "; exit 1; fi"
	err := r.Run(context.Background(), &Request{
		Pkg:     "zlib",
		Phase:   "make",
		Command: command,
		Dir:     t.TempDir(),
		Mode:    recipe.ModeDirect,
		Retries: 1,
	})
	if err != nil {
		t.Fatalf("Run with one retry: %v", err)
	}
}

func TestScannerPatterns(t *testing.T) {
	tests := []struct {
		log       string
		wantMatch bool
	}{
		{"all objects compiled\nlinking done\n", false},
		{"cc -o foo foo.c\nfoo.c:10: Error: something\n", true},
		{"ld: cannot find -lz\n", true},
		{"make[1]: *** No rule to make target 'x'\n", true},
		{"Segmentation Fault\n", true},
		{"Traceback (most recent call last):\n", true},
		{"installing into /usr\n", false},
	}
	s := DefaultScanner()
	for _, test := range tests {
		match, err := s.Scan(strings.NewReader(test.log))
		if err != nil {
			t.Fatal(err)
		}
		if (match != "") != test.wantMatch {
			t.Errorf("Scan(%q) = %q; want match=%t", test.log, match, test.wantMatch)
		}
	}
}

func TestDestdirPopulated(t *testing.T) {
	destdir := t.TempDir()
	if DestdirPopulated(destdir) {
		t.Error("empty destdir reported as populated")
	}

	libDir := filepath.Join(destdir, "usr", "lib")
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(libDir, "libz.la"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(libDir, "zlib.pc"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if DestdirPopulated(destdir) {
		t.Error("destdir with only .la and .pc files reported as populated")
	}

	if err := os.WriteFile(filepath.Join(libDir, "libz.so.1.3"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !DestdirPopulated(destdir) {
		t.Error("destdir with a real file reported as empty")
	}
}
