// Ampere is a conversational energy-management agent for Home Assistant.
//
// It turns an utterance into a tool-using conversation with an
// OpenAI-compatible model, runs the tools the model asks for against
// Home Assistant, and answers with the model's final reply.
//
// Usage:
//
//	ampere serve              Start the API server
//	ampere ask <question>     Run one exchange and print the answer
//	ampere tools              List the active tools
//	ampere usage [window]     Summarize token usage (default window 24h)
//	ampere version            Print version and build information
//	ampere -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/ampere/internal/actions"
	"github.com/nugget/ampere/internal/agent"
	"github.com/nugget/ampere/internal/buildinfo"
	"github.com/nugget/ampere/internal/config"
	"github.com/nugget/ampere/internal/tools"
	"github.com/nugget/ampere/internal/usage"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are parameters so
// the whole lifecycle can be driven from tests. Arguments are parsed by
// hand because the flag package's global state gets in the way of
// parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: ampere ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "tools":
		return runTools(stdout, configPath, outputFmt)
	case "usage":
		return runUsage(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ampere - Energy management agent for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ampere [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Run one exchange and print the answer")
	fmt.Fprintln(w, "  tools        List the active tools")
	fmt.Fprintln(w, "  usage        Summarize token usage over a window (default 24h)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  -config, $AMPERE_CONFIG, ./config.yaml, $XDG_CONFIG_HOME/ampere/config.yaml, /etc/ampere/config.yaml")
	return nil
}

// runAsk boots the agent without the API server, runs a single
// exchange, and prints the reply. A failed exchange prints the same
// apology a voice user would hear and returns the error.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	logger.Info("config loaded", "path", cfgPath)

	st, err := newStack(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect to Home Assistant websocket: %w", err)
	}

	resp, err := st.loop.Run(ctx, &agent.Request{Text: strings.Join(args, " ")})
	if err != nil {
		fmt.Fprintln(stdout, agent.FailureSpeech(err))
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, resp.Speech)
	return nil
}

// runTools prints the tools the current configuration activates. No
// connection to Home Assistant or the provider is made.
func runTools(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := actions.New(nil, nil, actions.Options{Logger: logger})
	gen, err := agent.NewGeneration(cfg, host, logger)
	if err != nil {
		return err
	}
	specs := gen.Registry.Specs()

	if outputFmt == "json" {
		type toolJSON struct {
			Name     string `json:"name"`
			Executor string `json:"executor"`
			Strict   bool   `json:"strict"`
		}
		out := make([]toolJSON, 0, len(specs))
		for _, s := range specs {
			out = append(out, toolJSON{Name: s.Name, Executor: tools.ExecutorKind(s.Executor), Strict: s.Strict})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tEXECUTOR\tSTRICT")
	for _, s := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", s.Name, tools.ExecutorKind(s.Executor), s.Strict)
	}
	return tw.Flush()
}

// runUsage reads the usage database directly; the server need not be
// running.
func runUsage(ctx context.Context, w io.Writer, configPath, outputFmt string, args []string) error {
	window := 24 * time.Hour
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			return fmt.Errorf("usage window %q: want a positive duration such as 24h", args[0])
		}
		window = d
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	report, err := store.Report(ctx, now.Add(-window), now)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Usage over the last %s\n\n", window)
	fmt.Fprintln(tw, "GROUP\tNAME\tROUNDS\tINPUT\tOUTPUT")
	row := func(group, name string, t usage.Totals) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", group, name, t.Rounds, t.InputTokens, t.OutputTokens)
	}
	for _, name := range slices.Sorted(maps.Keys(report.ByModel)) {
		row("model", name, report.ByModel[name])
	}
	for _, name := range slices.Sorted(maps.Keys(report.ByProtocol)) {
		row("protocol", name, report.ByProtocol[name])
	}
	row("total", "", report.Total)
	if err := tw.Flush(); err != nil {
		return err
	}
	if report.Errors > 0 {
		fmt.Fprintf(w, "\n%d round(s) ended in a provider error\n", report.Errors)
	}
	return nil
}

// loadConfig locates and parses the configuration file. Returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configuredLogger builds the logger from the config's level and
// format. Validate has already rejected unknown levels.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}
