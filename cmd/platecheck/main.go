// Platecheck estimates the nutrition of a meal from a photo or a short
// description and lets the user refine the estimate in conversation.
//
// It serves a JSON and WebSocket API with a small dashboard, optionally
// bridges Signal through signal-cli, and publishes operating sensors to
// Home Assistant over MQTT. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	platecheck serve                 Start the service
//	platecheck analyze <text|image>  Analyze one meal and print the card
//	platecheck init [dir]            Write a starter config.yaml
//	platecheck version               Print version and build information
//	platecheck -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/platecheck/internal/buildinfo"
	"github.com/nugget/platecheck/internal/config"
	"github.com/nugget/platecheck/internal/inference"
	"github.com/nugget/platecheck/internal/llm"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the caller
// prints the returned error to stderr. Arguments are parsed by hand
// because the flag package's global state gets in the way of parallel
// tests.
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
	case "analyze":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: platecheck analyze <description | image-path [caption]>")
		}
		return runAnalyze(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Platecheck - meal nutrition estimates from photos and descriptions")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: platecheck [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the service")
	fmt.Fprintln(w, "  analyze <text|image>  Analyze one meal and print the result card")
	fmt.Fprintln(w, "  init [dir]            Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the YAML configuration. It
// returns the path that was loaded alongside the config.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configuredLogger builds the process logger from the config's level
// and format. Validate has already checked both.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// createLLMClient builds the provider client selected by
// inference.provider. The analysis and fact models are both routed to
// it; the multi-client keeps the door open for per-model providers.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	provider := cfg.Inference.Provider

	var primary llm.Client
	switch provider {
	case "anthropic":
		primary = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	case "gemini":
		g, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Inference.Model, logger)
		if err != nil {
			return nil, err
		}
		primary = g
	case "ollama":
		primary = llm.NewOllamaClient(cfg.Ollama.URL, logger)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", provider)
	}

	multi := llm.NewMultiClient(primary)
	multi.AddProvider(provider, primary)
	multi.AddModel(cfg.Inference.Model, provider)
	multi.AddModel(cfg.Inference.FactModel, provider)

	logger.Info("LLM client initialized",
		"provider", provider,
		"model", cfg.Inference.Model,
		"fact_model", cfg.Inference.FactModel,
	)
	return multi, nil
}

// newInference wraps an LLM client with the configured retry schedule.
func newInference(client llm.Client, cfg *config.Config, logger *slog.Logger) *inference.Client {
	return inference.New(client, inference.Config{
		Model:       cfg.Inference.Model,
		FactModel:   cfg.Inference.FactModel,
		Timeout:     cfg.Inference.Timeout.Std(),
		MaxRetries:  cfg.Inference.MaxRetries,
		BackoffBase: cfg.Inference.BackoffBase.Std(),
		BackoffMax:  cfg.Inference.BackoffMax.Std(),
	}, logger)
}
