package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
lean:
  project_dir: /srv/mathlib
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Lean.ProjectDir != "/srv/mathlib" {
					t.Errorf("project_dir = %q", cfg.Lean.ProjectDir)
				}
				if got := strings.Join(cfg.Lean.ReplCommand, " "); got != "lake exe repl" {
					t.Errorf("repl_command default = %q", got)
				}
				if cfg.Pool.MaxWorkers != DefaultMaxWorkers() {
					t.Errorf("max_workers = %d, want %d", cfg.Pool.MaxWorkers, DefaultMaxWorkers())
				}
				if cfg.Pool.MaxMemoryMB != 8192 {
					t.Errorf("max_memory_mb = %d", cfg.Pool.MaxMemoryMB)
				}
				if cfg.Pool.MaxWait != 60*time.Second || cfg.Pool.InitTimeout != 5*time.Minute {
					t.Error("duration defaults not applied")
				}
				if cfg.Service.LogFormat != "json" {
					t.Errorf("log_format = %q", cfg.Service.LogFormat)
				}
			},
		},
		{
			name: "full pool section",
			yaml: `
service:
  log_level: debug
  log_format: text
lean:
  repl_command: ["/opt/repl/bin/repl"]
  exporter_path: /opt/ast-export
pool:
  max_workers: 4
  max_uses: 200
  max_memory_mb: 0
  max_wait: 10s
  init_timeout: 2m
  grace_period: 1s
  default_timeout: 30s
  discard_envs: true
  prewarm:
    - header: import Mathlib
      count: 2
    - kind: tree
      count: 1
`,
			checkFn: func(t *testing.T, cfg *Config) {
				p := cfg.Pool
				if p.MaxWorkers != 4 || p.MaxUses != 200 || p.MaxMemoryMB != 0 {
					t.Errorf("pool sizes not parsed: %+v", p)
				}
				if p.MaxWait != 10*time.Second || p.DefaultTimeout != 30*time.Second || p.GracePeriod != time.Second {
					t.Errorf("pool durations not parsed: %+v", p)
				}
				if !p.DiscardEnvs {
					t.Error("discard_envs not parsed")
				}
				if len(p.Prewarm) != 2 || p.Prewarm[0].Header != "import Mathlib" || p.Prewarm[1].Kind != "tree" {
					t.Errorf("prewarm not parsed: %+v", p.Prewarm)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
lean:
  project_dir: ${LEAN_PROJECT}
api:
  enabled: true
  auth:
    api_key: ${LEANGATE_KEY}
`,
			env: map[string]string{
				"LEAN_PROJECT": "/tmp/project",
				"LEANGATE_KEY": "secret123",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Lean.ProjectDir != "/tmp/project" {
					t.Errorf("env var not interpolated in project_dir: %s", cfg.Lean.ProjectDir)
				}
				if cfg.API.Auth.APIKey != "secret123" {
					t.Error("env var not interpolated in api key")
				}
				if cfg.API.Listen != "127.0.0.1:8000" {
					t.Errorf("api.listen default lost: %q", cfg.API.Listen)
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: ${MISSING_TOKEN_VAR}
        scopes: ["*"]
`,
			wantErr: "MISSING_TOKEN_VAR",
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name:    "zero workers",
			yaml:    "pool:\n  max_workers: 0\n",
			wantErr: "max_workers",
		},
		{
			name:    "empty repl command",
			yaml:    "lean:\n  repl_command: []\n",
			wantErr: "repl_command",
		},
		{
			name:    "tree prewarm without exporter",
			yaml:    "pool:\n  prewarm:\n    - kind: tree\n      count: 1\n",
			wantErr: "exporter_path",
		},
		{
			name:    "prewarm over capacity",
			yaml:    "pool:\n  max_workers: 2\n  prewarm:\n    - header: import Mathlib\n      count: 3\n",
			wantErr: "max_workers is 2",
		},
		{
			name:    "unknown prewarm kind",
			yaml:    "pool:\n  prewarm:\n    - kind: compile\n      count: 1\n",
			wantErr: "prewarm[0]",
		},
		{
			name:    "token without scopes",
			yaml:    "api:\n  enabled: true\n  auth:\n    tokens:\n      - token: abc\n",
			wantErr: "scopes",
		},
		{
			name:    "storage without path",
			yaml:    "storage:\n  enabled: true\n  path: \"\"\n",
			wantErr: "storage.path",
		},
		{
			name:    "negative retention",
			yaml:    "storage:\n  retention: -1h\n",
			wantErr: "storage.retention",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			configPath := writeConfig(t, t.TempDir(), "config.yaml", tt.yaml)
			cfg, err := Load(configPath)

			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "service:\n  name: gw-dir\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "gw-dir" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `
include:
  - pool.yaml
  - secrets/api.yaml
pool:
  max_workers: 2
  max_uses: 10
`)
	writeConfig(t, dir, "pool.yaml", "pool:\n  max_workers: 6\n")
	if err := os.MkdirAll(filepath.Join(dir, "secrets"), 0755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, filepath.Join(dir, "secrets"), "api.yaml", `
api:
  enabled: true
  auth:
    tokens:
      - token: t1
        scopes: ["check:rw"]
`)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.MaxWorkers != 6 {
		t.Errorf("included file should override max_workers, got %d", cfg.Pool.MaxWorkers)
	}
	if cfg.Pool.MaxUses != 10 {
		t.Errorf("root value lost after merge, max_uses = %d", cfg.Pool.MaxUses)
	}
	if !cfg.API.Enabled || len(cfg.API.Auth.Tokens) != 1 {
		t.Errorf("api section not merged: %+v", cfg.API)
	}
	if len(cfg.SourceFiles) != 3 {
		t.Errorf("len(SourceFiles) = %d, want 3", len(cfg.SourceFiles))
	}

	files, err := DiscoverAllConfigFiles(dir)
	if err != nil {
		t.Fatalf("DiscoverAllConfigFiles() error = %v", err)
	}
	if len(files) != 3 {
		t.Errorf("discovered %d files, want 3: %v", len(files), files)
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "include: [a.yaml]\n")
	writeConfig(t, dir, "a.yaml", "include: [config.yaml]\n")

	_, err := Load(filepath.Join(dir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("Load() error = %v, want circular dependency", err)
	}
}

func TestLoad_MissingInclude(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "include: [nope.yaml]\n")

	_, err := Load(filepath.Join(dir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("Load() error = %v, want file not found", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(cfg); err != nil {
		t.Fatalf("Defaults() must validate: %v", err)
	}
	if cfg.Pool.MaxWorkers < 1 {
		t.Errorf("MaxWorkers = %d", cfg.Pool.MaxWorkers)
	}
}
