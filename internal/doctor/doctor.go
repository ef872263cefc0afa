// Package doctor checks that a leangate configuration can actually run on
// this host: the Lean tooling resolves, project directories exist, and the
// requested limits are enforceable.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mattjoyce/leangate/internal/config"
	"github.com/mattjoyce/leangate/internal/process"
	"github.com/mattjoyce/leangate/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host environment.
type Doctor struct {
	cfg *config.Config

	lookPath       func(string) (string, error)
	memoryLimitsOK func() bool
	checkStorage   func(string) error
	numCPU         int
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:            cfg,
		lookPath:       exec.LookPath,
		memoryLimitsOK: process.MemoryLimitSupported,
		checkStorage:   storage.CheckPath,
		numCPU:         runtime.NumCPU(),
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateReplCommand(r)
	d.validateProjectDir(r)
	d.validateExporter(r)
	d.validateLimits(r)
	d.validateAPIConfig(r)
	d.validateStorage(r)
	d.warnMissingEnvVars(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateReplCommand checks that the REPL executable resolves. Relative
// paths are resolved against the project directory, like the worker does.
func (d *Doctor) validateReplCommand(r *Result) {
	argv := d.cfg.Lean.ReplCommand
	if len(argv) == 0 || argv[0] == "" {
		d.addError(r, "lean", "lean.repl_command", "repl_command is required")
		return
	}

	bin := argv[0]
	if strings.ContainsRune(bin, filepath.Separator) {
		if !filepath.IsAbs(bin) {
			bin = filepath.Join(d.cfg.Lean.ProjectDir, bin)
		}
		if err := checkExecutable(bin); err != nil {
			d.addError(r, "lean", "lean.repl_command", err.Error())
		}
		return
	}
	if _, err := d.lookPath(bin); err != nil {
		d.addError(r, "lean", "lean.repl_command",
			fmt.Sprintf("%q not found in PATH", bin))
	}
}

func (d *Doctor) validateProjectDir(r *Result) {
	dir := d.cfg.Lean.ProjectDir
	if err := checkDir(dir); err != nil {
		d.addError(r, "lean", "lean.project_dir", err.Error())
		return
	}
	if !hasLakefile(dir) {
		d.addWarning(r, "lean", "lean.project_dir",
			fmt.Sprintf("%s has no lakefile.lean or lakefile.toml; imports beyond core may fail", dir))
	}
}

func (d *Doctor) validateExporter(r *Result) {
	lean := d.cfg.Lean
	if lean.ExporterPath == "" {
		d.addWarning(r, "exporter", "lean.exporter_path",
			"no exporter configured; /api/ast and /api/ast_code will fail")
		return
	}
	if err := checkExecutable(lean.ExporterPath); err != nil {
		d.addError(r, "exporter", "lean.exporter_path", err.Error())
	}
	if lean.ExporterProjectDir != "" {
		if err := checkDir(lean.ExporterProjectDir); err != nil {
			d.addError(r, "exporter", "lean.exporter_project_dir", err.Error())
		}
	}
}

// validateLimits flags pool settings the host cannot honour.
func (d *Doctor) validateLimits(r *Result) {
	p := d.cfg.Pool
	if p.MaxMemoryMB > 0 && !d.memoryLimitsOK() {
		d.addWarning(r, "limits", "pool.max_memory_mb",
			fmt.Sprintf("memory limits are not enforced on %s; max_memory_mb is ignored", runtime.GOOS))
	}
	if d.numCPU > 0 && p.MaxWorkers > d.numCPU {
		d.addWarning(r, "limits", "pool.max_workers",
			fmt.Sprintf("max_workers %d exceeds %d CPUs; REPL workers are CPU bound", p.MaxWorkers, d.numCPU))
	}
	if p.MaxUses == 0 && p.MaxMemoryMB == 0 {
		d.addWarning(r, "limits", "pool",
			"neither max_uses nor max_memory_mb is set; long-lived workers may grow without bound")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(api.Listen); err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", api.Listen, err))
		return
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		if isLoopback(api.Listen) {
			d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
		} else {
			d.addError(r, "api", "api.auth",
				fmt.Sprintf("API listens on %s without authentication", api.Listen))
		}
	}
}

func (d *Doctor) validateStorage(r *Result) {
	if !d.cfg.Storage.Enabled {
		return
	}
	if err := d.checkStorage(d.cfg.Storage.Path); err != nil {
		d.addError(r, "storage", "storage.path", err.Error())
	}
}

// warnMissingEnvVars warns about token values left empty by an unset variable.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func checkDir(path string) error {
	if path == "" {
		return fmt.Errorf("directory not set")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func hasLakefile(dir string) bool {
	for _, name := range []string{"lakefile.lean", "lakefile.toml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Environment OK.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Environment OK")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Environment has problems (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
