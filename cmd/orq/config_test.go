// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMergeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// JWCC: comments and trailing commas are allowed.
	content := `{
		// local overrides
		"root": "/srv/orq",
		"concurrency": 8,
		"timeout": "45m",
		"strip": false,
		"silentFailurePatterns": ["error:", "fatal:"],
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	g := defaultGlobalConfig()
	g.configPath = path
	require.NoError(t, g.load())

	assert.Equal(t, "/srv/orq", g.Root)
	assert.Equal(t, 8, g.Concurrency)
	assert.Equal(t, 45*time.Minute, time.Duration(g.Timeout))
	assert.False(t, g.Strip)
	assert.Equal(t, []string{"error:", "fatal:"}, g.SilentPatterns)
}

func TestConfigExplicitFileMustExist(t *testing.T) {
	g := defaultGlobalConfig()
	g.configPath = filepath.Join(t.TempDir(), "missing.json")
	assert.Error(t, g.load())
}

func TestConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("ORQ_ROOT", "/tmp/orq-env")
	t.Setenv("ORQ_JOBS", "3")
	g := defaultGlobalConfig()
	require.NoError(t, g.load())
	assert.Equal(t, "/tmp/orq-env", g.Root)
	assert.Equal(t, 3, g.Concurrency)
}

func TestConfigRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"timeout": "soon"}`), 0o644))
	g := defaultGlobalConfig()
	g.configPath = path
	assert.Error(t, g.load())
}

func TestModeFlag(t *testing.T) {
	var f modeFlag
	require.NoError(t, f.Set("chroot"))
	assert.Equal(t, "chroot", f.String())
	assert.Error(t, f.Set("container"))
}
