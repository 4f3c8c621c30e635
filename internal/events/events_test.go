// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fcanata00/Orquestrator1.0/internal/layout"
)

func TestFileLogSinkPhaseWriter(t *testing.T) {
	dir, err := layout.Clean(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sink := NewFileLogSink(dir)

	w, err := sink.PhaseWriter("zlib", "make")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("first attempt\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// A new attempt truncates: each capture is a complete stream.
	w, err = sink.PhaseWriter("zlib", "make")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("second attempt\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(dir.PhaseLog("zlib", "make"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second attempt\n" {
		t.Errorf("phase log = %q", data)
	}
	if sink.PhasePath("zlib", "make") != dir.PhaseLog("zlib", "make") {
		t.Error("PhasePath disagrees with the layout")
	}
}

func TestSQLiteRecorder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	rec := NewSQLiteRecorder(dbPath)
	defer rec.Close()

	ctx := context.Background()
	err := rec.RecordEvent(ctx, Event{
		RunID:     "run-1",
		JobID:     "zlib",
		Level:     LevelInfo,
		Message:   "build started",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = rec.RecordSample(ctx, Sample{
		JobID:    "zlib",
		Load1:    0.5,
		MemUsed:  1 << 20,
		DiskUsed: 1 << 30,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file: %v", err)
	}
}

func TestNopRecorder(t *testing.T) {
	rec := NopRecorder{}
	ctx := context.Background()
	if err := rec.RecordEvent(ctx, Event{}); err != nil {
		t.Error(err)
	}
	if err := rec.RecordSample(ctx, Sample{}); err != nil {
		t.Error(err)
	}
	if err := rec.Close(); err != nil {
		t.Error(err)
	}
}
