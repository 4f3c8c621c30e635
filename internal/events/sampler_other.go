// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package events

import (
	"context"
	"time"
)

// A Sampler periodically records resource samples for a job while it runs.
// Only the Linux implementation reads real counters.
type Sampler struct{}

// NewSampler returns a sampler feeding the given recorder.
func NewSampler(recorder Recorder, jobID, diskPath string, interval time.Duration) *Sampler {
	return &Sampler{}
}

// Run blocks until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	<-ctx.Done()
}
