package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/leangate/internal/worker"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file (or a directory holding config.yaml),
// merges its includes over Defaults(), verifies checksums and validates.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	cfg.SourceFiles = make(map[string]*yaml.Node)

	visited := make(map[string]bool)
	rootIncludes, err := loadInto(cfg, absPath, visited)
	if err != nil {
		return nil, err
	}
	if err := loadIncludes(cfg, rootIncludes, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}
	cfg.Include = rootIncludes
	cfg.root = absPath

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := verifyAllConfigHashes(paths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $LEANGATE_CONFIG, ~/.config/leangate, /etc/leangate, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("LEANGATE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "leangate")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	if _, err := os.Stat("/etc/leangate/config.yaml"); err == nil {
		return "/etc/leangate", nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $LEANGATE_CONFIG, ~/.config/leangate, /etc/leangate, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	// Throwaway target: only the include graph matters here.
	scratch := &Config{SourceFiles: make(map[string]*yaml.Node)}
	visited := make(map[string]bool)
	includes, err := loadInto(scratch, absPath, visited)
	if err != nil {
		return nil, err
	}
	if err := loadIncludes(scratch, includes, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadInto decodes one file over cfg and returns the file's own include list.
// Fields the file does not mention keep their current values.
func loadInto(cfg *Config, path string, visited map[string]bool) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	visited[path] = true

	// SetPath edits the raw node so secrets never get written back expanded.
	var raw yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	if raw.Kind == 0 {
		// Empty file.
		return nil, nil
	}
	cfg.SourceFiles[path] = &raw

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &node); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	var partial struct {
		Include []string `yaml:"include"`
	}
	if err := node.Decode(&partial); err != nil {
		return nil, fmt.Errorf("failed to parse includes in %s: %w", path, err)
	}
	if err := node.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return partial.Include, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		nested, err := loadInto(cfg, absPath, visited)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if err := loadIncludes(cfg, nested, filepath.Dir(absPath), visited); err != nil {
			return err
		}
	}
	return nil
}

func verifyAllConfigHashes(paths []string) error {
	// Group paths by directory to avoid loading the same checksums file multiple times
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums: this directory is unlocked.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: leangate config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"This indicates tampering or unauthorized modification.\n"+
					"If you edited this file intentionally, run: leangate config lock --config %s", path, err, dir)
			}
		}
	}

	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate rejects it where it matters.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if len(cfg.Lean.ReplCommand) == 0 || strings.TrimSpace(cfg.Lean.ReplCommand[0]) == "" {
		return fmt.Errorf("lean.repl_command is required")
	}
	for i, arg := range cfg.Lean.ReplCommand {
		if err := unresolved(fmt.Sprintf("lean.repl_command[%d]", i), arg); err != nil {
			return err
		}
	}
	if err := unresolved("lean.project_dir", cfg.Lean.ProjectDir); err != nil {
		return err
	}
	if err := unresolved("lean.exporter_path", cfg.Lean.ExporterPath); err != nil {
		return err
	}

	p := cfg.Pool
	switch {
	case p.MaxWorkers < 1:
		return fmt.Errorf("pool.max_workers must be at least 1 (got %d)", p.MaxWorkers)
	case p.MaxUses < 0:
		return fmt.Errorf("pool.max_uses must not be negative")
	case p.MaxMemoryMB < 0:
		return fmt.Errorf("pool.max_memory_mb must not be negative")
	case p.MaxWait <= 0:
		return fmt.Errorf("pool.max_wait must be positive")
	case p.InitTimeout <= 0:
		return fmt.Errorf("pool.init_timeout must be positive")
	case p.GracePeriod < 0:
		return fmt.Errorf("pool.grace_period must not be negative")
	case p.DefaultTimeout <= 0:
		return fmt.Errorf("pool.default_timeout must be positive")
	}

	total := 0
	for i, pw := range p.Prewarm {
		kind, err := worker.ParseKind(pw.Kind)
		if err != nil {
			return fmt.Errorf("pool.prewarm[%d]: %w", i, err)
		}
		if kind == worker.KindTree && cfg.Lean.ExporterPath == "" {
			return fmt.Errorf("pool.prewarm[%d]: tree workers need lean.exporter_path", i)
		}
		if pw.Count < 1 {
			return fmt.Errorf("pool.prewarm[%d].count must be at least 1", i)
		}
		total += pw.Count
	}
	if total > p.MaxWorkers {
		return fmt.Errorf("pool.prewarm asks for %d workers but pool.max_workers is %d", total, p.MaxWorkers)
	}

	// API auth validation
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Storage.Enabled && cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage is enabled")
	}
	if cfg.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must be >= 0")
	}

	return nil
}

// unresolved reports a ${VAR} placeholder that survived interpolation.
func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
