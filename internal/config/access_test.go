package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	cfg := Defaults()
	cfg.Service.Name = "test-gw"
	cfg.Pool.MaxWorkers = 3
	cfg.Pool.Prewarm = []PrewarmConfig{{Header: "import Mathlib", Count: 1}}

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{name: "root service field", path: "service.name", want: "test-gw"},
		{name: "pool int", path: "pool.max_workers", want: 3},
		{name: "duration renders as string", path: "pool.max_wait", want: "1m0s"},
		{name: "bool", path: "api.enabled", want: false},
		{name: "invalid path", path: "service.missing", wantErr: true},
		{name: "through a list", path: "pool.prewarm.header", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	t.Setenv("SETPATH_KEY", "s3cret")
	initialYAML := `
service:
  name: old-name
api:
  auth:
    api_key: ${SETPATH_KEY}
`
	require.NoError(t, os.WriteFile(configPath, []byte(initialYAML), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	t.Run("set root field", func(t *testing.T) {
		require.NoError(t, cfg.SetPath("service.name", "new-name", true))

		reloaded, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "new-name", reloaded.Service.Name)
		assert.Equal(t, "s3cret", reloaded.API.Auth.APIKey)

		raw, err := os.ReadFile(configPath)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "${SETPATH_KEY}", "secrets must stay unexpanded on disk")
	})

	t.Run("create nested field", func(t *testing.T) {
		require.NoError(t, cfg.SetPath("pool.max_workers", "2", true))

		reloaded, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, 2, reloaded.Pool.MaxWorkers)
	})

	t.Run("invalid value rolls back", func(t *testing.T) {
		before, err := os.ReadFile(configPath)
		require.NoError(t, err)

		err = cfg.SetPath("pool.max_workers", "0", true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation failed")

		after, err := os.ReadFile(configPath)
		require.NoError(t, err)
		assert.Equal(t, string(before), string(after))
	})
}

func TestSetPath_DryRun(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("service:\n  name: dry\n"), 0644))
	before, err := os.ReadFile(configPath)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	require.NoError(t, cfg.SetPath("pool.max_workers", "3", false))
	err = cfg.SetPath("service.log_format", "xml", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_format")

	after, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "dry run must not write")
}

func TestSetPath_LockedDirectory(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("service:\n  name: locked\n"), 0644))
	_, err := Lock(configPath, false)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.SetPath("service.name", "relocked", true))

	reloaded, err := Load(configPath)
	require.NoError(t, err, "checksums must follow an authorized edit")
	assert.Equal(t, "relocked", reloaded.Service.Name)

	before, err := os.ReadFile(filepath.Join(dir, ".checksums"))
	require.NoError(t, err)
	require.Error(t, cfg.SetPath("pool.max_workers", "0", true))
	after, err := os.ReadFile(filepath.Join(dir, ".checksums"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "failed edit restores the manifest")

	_, err = Load(configPath)
	require.NoError(t, err)
}
