package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/leangate/internal/tui/watch"
	"github.com/mattjoyce/leangate/pkg/client"
)

// apiFlags are shared by every command that talks to a running server.
type apiFlags struct {
	url string
	key string
}

func (a *apiFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&a.url, "api-url", defaultAPIURL, "Gateway API URL")
	fs.StringVar(&a.key, "api-key", os.Getenv("LEANGATE_API_KEY"), "API Bearer Token")
}

func runSystemStatus(args []string) int {
	var api apiFlags
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	api.register(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	c := client.New(client.Config{BaseURL: api.url, APIKey: api.key})
	h, err := c.Health(context.Background())
	if h == nil {
		fmt.Fprintf(os.Stderr, "Gateway unreachable: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(h, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("status:   %s\n", h.Status)
		fmt.Printf("uptime:   %ds\n", h.UptimeSeconds)
		fmt.Printf("workers:  %d/%d (busy %d, waiting %d)\n", h.Workers, h.Capacity, h.Busy, h.Waiting)
	}
	if err != nil {
		return 1
	}
	return 0
}

func runWatch(args []string) int {
	var api apiFlags
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	api.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(api.url, api.key)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runCheck(args []string) int {
	var api apiFlags
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	api.register(fs)
	timeout := fs.Float64("timeout", 0, "Per-file timeout in seconds")
	batchSize := fs.Int("batch-size", 50, "Files per HTTP call")
	concurrency := fs.Int("concurrency", 4, "Batches in flight")
	rps := fs.Float64("rps", 0, "Max batch calls per second")
	jsonOut := fs.Bool("json", false, "Print raw responses")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: leangate check [flags] FILE...")
		return 1
	}

	reqs, err := readCheckRequests(fs.Args(), *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		BaseURL:           api.url,
		APIKey:            api.key,
		BatchSize:         *batchSize,
		Concurrency:       *concurrency,
		RequestsPerSecond: *rps,
	})
	responses, err := c.CheckBatched(ctx, reqs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(responses, "", "  ")
		fmt.Println(string(data))
	} else {
		printCheckSummary(os.Stdout, responses)
	}

	for _, r := range responses {
		if !r.OK() || r.HasErrors() {
			return 1
		}
	}
	return 0
}

func runAST(args []string) int {
	var api apiFlags
	fs := flag.NewFlagSet("ast", flag.ContinueOnError)
	api.register(fs)
	file := fs.String("file", "", "Source file to extract")
	module := fs.String("module", "", "Module name for --file")
	timeout := fs.Float64("timeout", 0, "Per-item timeout in seconds")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if (*file == "") == (fs.NArg() == 0) {
		fmt.Fprintln(os.Stderr, "Usage: leangate ast [flags] MODULE... | --file FILE")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c := client.New(client.Config{BaseURL: api.url, APIKey: api.key})

	var responses []client.Response
	if *file != "" {
		code, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		resp, err := c.ExtractCode(ctx, string(code), *module, *timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Extraction failed: %v\n", err)
			return 1
		}
		responses = []client.Response{*resp}
	} else {
		var err error
		responses, err = c.ExtractModules(ctx, fs.Args(), *timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Extraction failed: %v\n", err)
			return 1
		}
	}

	data, _ := json.MarshalIndent(responses, "", "  ")
	fmt.Println(string(data))
	for _, r := range responses {
		if !r.OK() {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", r.CustomID, r.Error.Code, r.Error.Message)
			return 1
		}
	}
	return 0
}

func readCheckRequests(paths []string, timeout float64) ([]client.Request, error) {
	reqs := make([]client.Request, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, client.Request{CustomID: path, Code: string(data), Timeout: timeout})
	}
	return reqs, nil
}

func printCheckSummary(w io.Writer, responses []client.Response) {
	var failed int
	for _, r := range responses {
		switch {
		case !r.OK():
			failed++
			fmt.Fprintf(w, "FAIL  %s: %s: %s\n", r.CustomID, r.Error.Code, r.Error.Message)
		case r.HasErrors():
			failed++
			fmt.Fprintf(w, "ERROR %s (%.2fs)\n", r.CustomID, r.Time)
		default:
			fmt.Fprintf(w, "OK    %s (%.2fs)\n", r.CustomID, r.Time)
		}
		for _, m := range r.Diagnostics {
			if m.Severity == "info" {
				continue
			}
			fmt.Fprintf(w, "      %s:%d:%d: %s: %s\n", r.CustomID, m.Pos.Line, m.Pos.Column, m.Severity, m.Data)
		}
	}
	fmt.Fprintf(w, "%d checked, %d failed\n", len(responses), failed)
}
