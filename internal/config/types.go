package config

import (
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete leangate configuration.
type Config struct {
	Include []string      `yaml:"include,omitempty"`
	Service ServiceConfig `yaml:"service"`
	Lean    LeanConfig    `yaml:"lean"`
	Pool    PoolConfig    `yaml:"pool"`
	API     APIConfig     `yaml:"api,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`

	// SourceFiles maps each loaded file to its parsed node, for SetPath.
	SourceFiles map[string]*yaml.Node `yaml:"-" json:"-"`
	root        string
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// LeanConfig locates the Lean tooling the workers run.
type LeanConfig struct {
	// ReplCommand is the argv of the REPL process, e.g. ["lake", "exe", "repl"].
	ReplCommand []string `yaml:"repl_command"`
	// ProjectDir is the working directory of REPL workers.
	ProjectDir string `yaml:"project_dir"`
	// ExporterPath is the ast-export binary. Empty disables tree requests.
	ExporterPath       string `yaml:"exporter_path,omitempty"`
	ExporterProjectDir string `yaml:"exporter_project_dir,omitempty"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	MaxWorkers     int             `yaml:"max_workers"`
	MaxUses        int             `yaml:"max_uses"`      // 0 = unlimited
	MaxMemoryMB    int64           `yaml:"max_memory_mb"` // 0 = unlimited, Linux only
	MaxWait        time.Duration   `yaml:"max_wait"`
	InitTimeout    time.Duration   `yaml:"init_timeout"`
	GracePeriod    time.Duration   `yaml:"grace_period"`
	DefaultTimeout time.Duration   `yaml:"default_timeout"`
	DiscardEnvs    bool            `yaml:"discard_envs"`
	Prewarm        []PrewarmConfig `yaml:"prewarm,omitempty"`
}

// PrewarmConfig asks for Count workers of one header at startup.
type PrewarmConfig struct {
	Header string `yaml:"header"`
	Kind   string `yaml:"kind,omitempty"`
	Count  int    `yaml:"count"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// StorageConfig controls result persistence.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention prunes stored results older than this. Zero keeps them.
	Retention time.Duration `yaml:"retention"`
}

// DefaultMaxWorkers leaves one CPU for the gateway itself.
func DefaultMaxWorkers() int {
	return max(1, runtime.NumCPU()-1)
}

// Defaults returns a Config with every default filled in. Capacity is
// computed here, once.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "leangate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Lean: LeanConfig{
			ReplCommand: []string{"lake", "exe", "repl"},
			ProjectDir:  ".",
		},
		Pool: PoolConfig{
			MaxWorkers:     DefaultMaxWorkers(),
			MaxMemoryMB:    8192,
			MaxWait:        60 * time.Second,
			InitTimeout:    5 * time.Minute,
			GracePeriod:    5 * time.Second,
			DefaultTimeout: 60 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8000",
		},
		Storage: StorageConfig{
			Enabled: false,
			Path:    "./data/leangate.db",
		},
	}
}
