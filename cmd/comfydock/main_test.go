package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/comfydock/comfydock/internal/diag"
	"github.com/comfydock/comfydock/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"schema", fmt.Errorf("loading m.json: %w", diag.New(diag.SchemaInvalid, "schema_version", "unsupported")), 2},
		{"target", diag.New(diag.TargetNotEmpty, "/tmp/env", "not empty"), 2},
		{"usage", usageErrorf("--older-than must be positive"), 2},
		{"toolkit", diag.New(diag.ToolkitInstallFailed, "pytorch", "no matching distribution"), 1},
		{"too large", diag.New(diag.ManifestTooLarge, "manifest.json", "6000 bytes"), 1},
		{"plain", errors.New("disk full"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	overrides, err := loadOverrides("")
	require.NoError(t, err)
	assert.Nil(t, overrides)

	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
linux:
  packages:
    triton: "2.1.0"
  exclude: [pywin32]
  env:
    CC: clang
win32:
  packages:
    pywin32: "306"
`), 0644))
	overrides, err = loadOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]manifest.PlatformOverride{
		"linux": {Packages: map[string]string{"triton": "2.1.0"}, Exclude: []string{"pywin32"}, Env: map[string]string{"CC": "clang"}},
		"win32": {Packages: map[string]string{"pywin32": "306"}},
	}, overrides)

	jsonPath := filepath.Join(dir, "overrides.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"darwin":{"exclude":["xformers"]}}`), 0644))
	overrides, err = loadOverrides(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"xformers"}, overrides["darwin"].Exclude)

	_, err = loadOverrides(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, 2, exitCode(err))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}
