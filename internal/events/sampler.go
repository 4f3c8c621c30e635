// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

//go:build linux

package events

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// A Sampler periodically records resource samples for a job while it runs.
type Sampler struct {
	recorder Recorder
	jobID    string
	diskPath string
	interval time.Duration

	prevUser, prevSystem, prevTotal uint64
}

// NewSampler returns a sampler feeding the given recorder. diskPath is the
// filesystem whose usage is sampled (the orchestrator root).
func NewSampler(recorder Recorder, jobID, diskPath string, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{recorder: recorder, jobID: jobID, diskPath: diskPath, interval: interval}
}

// Run samples until ctx is done. Sampling failures are logged and skipped;
// telemetry never fails a build.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.readCPU() // prime the deltas
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := s.sample()
			if err != nil {
				log.Debugf(ctx, "Resource sample: %v", err)
				continue
			}
			if err := s.recorder.RecordSample(ctx, sample); err != nil {
				log.Debugf(ctx, "Record sample: %v", err)
			}
		}
	}
}

func (s *Sampler) sample() (Sample, error) {
	sample := Sample{JobID: s.jobID, Timestamp: time.Now().UTC()}
	sample.CPUUserPct, sample.CPUSystemPct = s.readCPU()
	sample.Load1, sample.Load5, sample.Load15 = readLoadAvg()
	sample.MemUsed = readMemUsed()
	var stat unix.Statfs_t
	if err := unix.Statfs(s.diskPath, &stat); err == nil {
		sample.DiskUsed = int64(stat.Blocks-stat.Bfree) * int64(stat.Bsize)
	}
	return sample, nil
}

// readCPU returns user and system CPU percentages since the previous call.
func (s *Sampler) readCPU() (userPct, systemPct float64) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0
	}
	var values [8]uint64
	for i := 0; i < len(values) && i+1 < len(fields); i++ {
		values[i], _ = strconv.ParseUint(fields[i+1], 10, 64)
	}
	user := values[0] + values[1]
	system := values[2]
	var total uint64
	for _, v := range values {
		total += v
	}
	du, ds, dt := user-s.prevUser, system-s.prevSystem, total-s.prevTotal
	s.prevUser, s.prevSystem, s.prevTotal = user, system, total
	if dt == 0 {
		return 0, 0
	}
	return 100 * float64(du) / float64(dt), 100 * float64(ds) / float64(dt)
}

func readLoadAvg() (l1, l5, l15 float64) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return 0, 0, 0
	}
	l1, _ = strconv.ParseFloat(fields[0], 64)
	l5, _ = strconv.ParseFloat(fields[1], 64)
	l15, _ = strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15
}

func readMemUsed() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available int64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	if total == 0 {
		return 0
	}
	return total - available
}
