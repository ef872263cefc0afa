package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultAPIURL = "http://127.0.0.1:8000"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "pool":
		return runPoolNoun(args)

	// --- VERBS ---
	case "check":
		if hasHelpFlag(args) {
			printCheckHelp()
			return 0
		}
		return runCheck(args)
	case "ast":
		if hasHelpFlag(args) {
			printASTHelp()
			return 0
		}
		return runAST(args)
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			return 0
		}
		return runDoctor(args)
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: leangate version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("leangate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`leangate - Lean 4 checking gateway backed by a pool of REPL workers

Usage:
  leangate <noun> <action> [flags]
  leangate <verb> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle and health
  config    Configuration and integrity
  pool      Worker pool monitoring

System Commands:
  system start      Start the gateway in the foreground
  system status     Show gateway health from a running server

Config Commands:
  config check      Validate syntax, policy, and integrity
  config lock       Authorize current state (update integrity hashes)
  config show       Show the resolved configuration
  config get        Read one value
  config set        Change one value (--dry-run | --apply)

Pool Commands:
  pool watch        Real-time pool monitor (TUI)

Verbs:
  check FILE...     Check Lean files against a running server
  ast MODULE...     Extract syntax trees (or --file F for a snippet)
  doctor            Check the host can run the configured pool
  version           Show version information
  help              Show this help message

Use 'leangate <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runPoolNoun(args []string) int {
	if len(args) < 1 {
		printPoolNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPoolNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "watch":
		if hasHelpFlag(actionArgs) {
			printPoolWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown pool action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- HELP ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: leangate system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: leangate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, get, set")
}

func printPoolNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: leangate pool <action>")
	fmt.Fprintln(w, "Actions: watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: leangate system start [--config PATH]")
	fmt.Println("Start the gateway in the foreground. SIGINT/SIGTERM drain the pool and exit.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: leangate system status [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("Show health of a running gateway.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Gateway is serving")
	fmt.Println("  1  Gateway unreachable or shutting down")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: leangate config check [--config PATH] [--json]")
	fmt.Println("Validate configuration syntax, policy, and integrity.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: leangate config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating .checksums in every config directory.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: leangate config show [path] [--config PATH] [--json]")
	fmt.Println("Show the full resolved configuration or one subtree.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: leangate config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: leangate config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printPoolWatchHelp() {
	fmt.Println("Usage: leangate pool watch [flags]")
	fmt.Println()
	fmt.Println("Real-time pool monitor. Shows capacity, per-header workers, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Gateway API URL (default: " + defaultAPIURL + ")")
	fmt.Println("  --api-key KEY    API Bearer Token (or LEANGATE_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Scroll headers")
}

func printDoctorHelp() {
	fmt.Println("Usage: leangate doctor [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Check the Lean tooling, project directories, and limits the configuration relies on.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  No problems")
	fmt.Println("  1  Errors found")
	fmt.Println("  2  Warnings found with --strict")
}

func printASTHelp() {
	fmt.Println("Usage: leangate ast [flags] MODULE...")
	fmt.Println("       leangate ast [flags] --file FILE [--module NAME]")
	fmt.Println("Extract syntax trees from a running gateway and print them as JSON.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL      Gateway API URL (default: " + defaultAPIURL + ")")
	fmt.Println("  --api-key KEY      API Bearer Token (or LEANGATE_API_KEY env var)")
	fmt.Println("  --file FILE        Extract the tree of a source file instead of modules")
	fmt.Println("  --module NAME      Module name for --file (default: server's virtual module)")
	fmt.Println("  --timeout SECS     Per-item timeout (default: server default)")
}

func printCheckHelp() {
	fmt.Println("Usage: leangate check [flags] FILE...")
	fmt.Println("Send Lean files to a running gateway. Each file is one request; its path is the custom_id.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL      Gateway API URL (default: " + defaultAPIURL + ")")
	fmt.Println("  --api-key KEY      API Bearer Token (or LEANGATE_API_KEY env var)")
	fmt.Println("  --timeout SECS     Per-file timeout (default: server default)")
	fmt.Println("  --batch-size N     Files per HTTP call (default: 50)")
	fmt.Println("  --concurrency N    Batches in flight (default: 4)")
	fmt.Println("  --rps N            Max batch calls per second (default: unlimited)")
	fmt.Println("  --json             Print raw responses")
}
