// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"zombiezen.com/go/log"
)

// A PatchRejectedError reports a patch that applies at no known strip level.
type PatchRejectedError struct {
	Patch string
	Err   error
}

func (e *PatchRejectedError) Error() string {
	return fmt.Sprintf("patch rejected: %s: %v", e.Patch, e.Err)
}

func (e *PatchRejectedError) Unwrap() error { return e.Err }

// ApplyPatches applies each patch file to the source tree at dir, in the
// order given (which is the recipe's source-list order). For each patch a
// dry run probes strip level 1, then 0; the first level whose dry run
// passes is applied for real.
func ApplyPatches(ctx context.Context, dir string, patches []string) error {
	for _, patch := range patches {
		if err := applyPatch(ctx, dir, patch); err != nil {
			return err
		}
	}
	return nil
}

func applyPatch(ctx context.Context, dir, patch string) error {
	var lastErr error
	for _, strip := range []int{1, 0} {
		err := runPatch(ctx, dir, patch, strip, true)
		if err != nil {
			lastErr = err
			continue
		}
		log.Infof(ctx, "Applying %s (-p%d)", patch, strip)
		if err := runPatch(ctx, dir, patch, strip, false); err != nil {
			return &PatchRejectedError{Patch: patch, Err: err}
		}
		return nil
	}
	return &PatchRejectedError{Patch: patch, Err: lastErr}
}

func runPatch(ctx context.Context, dir, patch string, strip int, dryRun bool) error {
	args := []string{"-p" + strconv.Itoa(strip), "--batch", "-i", patch}
	if dryRun {
		args = append(args, "--dry-run")
	}
	c := exec.CommandContext(ctx, "patch", args...)
	c.Dir = dir
	output := new(bytes.Buffer)
	c.Stdout = output
	c.Stderr = output
	if err := c.Run(); err != nil {
		msg := strings.TrimSpace(output.String())
		if msg != "" {
			return fmt.Errorf("%v: %s", err, msg)
		}
		return err
	}
	return nil
}
