// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"io"
	"os"

	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
)

// FileLogSink writes phase output under <root>/logs/<pkg>/<phase>.log and
// mirrors structured records to the context logger.
type FileLogSink struct {
	dir layout.Directory
}

// NewFileLogSink returns a sink over the given layout root.
func NewFileLogSink(dir layout.Directory) *FileLogSink {
	return &FileLogSink{dir: dir}
}

// Record implements [LogSink].
func (s *FileLogSink) Record(ctx context.Context, rec Record) {
	msg := rec.Message
	if rec.Pkg != "" {
		if rec.Phase != "" {
			msg = rec.Pkg + " (" + rec.Phase + "): " + msg
		} else {
			msg = rec.Pkg + ": " + msg
		}
	}
	switch rec.Level {
	case LevelDebug:
		log.Debugf(ctx, "%s", msg)
	case LevelWarn:
		log.Warnf(ctx, "%s", msg)
	case LevelError:
		log.Errorf(ctx, "%s", msg)
	default:
		log.Infof(ctx, "%s", msg)
	}
}

// PhaseWriter implements [LogSink]. The log file is truncated: each attempt
// of a phase captures a complete stream.
func (s *FileLogSink) PhaseWriter(pkg, phase string) (io.WriteCloser, error) {
	if err := osutil.MkdirAllPerm(s.dir.LogsDir(pkg), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(s.dir.PhaseLog(pkg, phase), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// PhasePath returns the path a phase's output is captured to.
func (s *FileLogSink) PhasePath(pkg, phase string) string {
	return s.dir.PhaseLog(pkg, phase)
}
