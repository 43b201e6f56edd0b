package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"COMFYDOCK_CONFIG", "COMFYDOCK_REGISTRY_URL", "COMFYDOCK_GITHUB_API_URL", "GITHUB_TOKEN",
		"COMFYDOCK_CACHE_DIR", "COMFYDOCK_UV", "COMFYDOCK_VALIDATION_WORKERS", "COMFYDOCK_PLUGIN_WORKERS",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "no file uses defaults",
			check: func(t *testing.T, cfg *Config) {
				defaults := Default()
				assert.Equal(t, defaults.RegistryURL, cfg.RegistryURL)
				assert.Equal(t, defaults.Validation, cfg.Validation)
				assert.Equal(t, defaults.Recreate, cfg.Recreate)
			},
		},
		{
			name: "file overrides defaults",
			file: `
registry_url: https://registry.internal
cache_dir: /var/cache/comfydock
validation:
  workers: 8
  retry:
    max_attempts: 5
    base_delay: 1s
    max_delay: 20s
recreate:
  plugin_workers: 2
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "https://registry.internal", cfg.RegistryURL)
				assert.Equal(t, "/var/cache/comfydock", cfg.CacheDir)
				assert.Equal(t, 8, cfg.Validation.Workers)
				assert.Equal(t, 5, cfg.Validation.Retry.MaxAttempts)
				assert.Equal(t, time.Second, cfg.Validation.Retry.BaseDelay)
				assert.Equal(t, 20*time.Second, cfg.Validation.Retry.MaxDelay)
				assert.Equal(t, 2, cfg.Recreate.PluginWorkers)
				// untouched values keep their defaults
				assert.Equal(t, DefaultSourceHostURL, cfg.SourceHostURL)
			},
		},
		{
			name: "environment beats file",
			file: "validation:\n  workers: 8\n",
			envVars: map[string]string{
				"COMFYDOCK_VALIDATION_WORKERS": "2",
				"GITHUB_TOKEN":                 "ghp_test",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2, cfg.Validation.Workers)
				assert.Equal(t, "ghp_test", cfg.GitHubToken)
			},
		},
		{
			name:    "bad duration",
			file:    "validation:\n  retry:\n    timeout: soon\n",
			wantErr: true,
		},
		{
			name:    "out of range workers",
			envVars: map[string]string{"COMFYDOCK_PLUGIN_WORKERS": "0"},
			wantErr: true,
		},
		{
			name:    "non numeric workers",
			envVars: map[string]string{"COMFYDOCK_VALIDATION_WORKERS": "many"},
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			file:    "validation: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			t.Chdir(t.TempDir())

			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0644))
			}

			cfg, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadFindsConfigThroughEnvironment(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("uv_path: /opt/uv/bin/uv\n"), 0644))
	t.Setenv("COMFYDOCK_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/opt/uv/bin/uv", cfg.UVPath)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
