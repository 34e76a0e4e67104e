package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/render"
	"github.com/nugget/platecheck/internal/session"
)

// runAnalyze handles "platecheck analyze". If the first argument names
// a readable file it is sent as a meal photo with the remaining
// arguments as caption; otherwise all arguments form the description.
// The engine runs with an in-memory session and no fact cache, and
// nothing is persisted.
func runAnalyze(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout carries only the card.
	logger := configuredLogger(os.Stderr, cfg)

	in, err := analyzeInput(args)
	if err != nil {
		return err
	}

	llmClient, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	inf := newInference(llmClient, cfg, logger)

	sessions := session.NewStore(session.Config{
		TTL:          cfg.Sessions.TTL.Std(),
		HistoryDepth: cfg.Sessions.HistoryDepth,
	}, logger)
	eng := engine.New(sessions, inf, nil, engine.Config{
		MaxImageBytes: cfg.Input.MaxImageBytes,
		MaxTextRunes:  cfg.Input.MaxTextRunes,
	}, logger)

	out := eng.Handle(ctx, in)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, render.Plain(out))
	}

	if out.Kind == engine.Failed {
		return fmt.Errorf("analysis failed: %s", out.Error)
	}
	return nil
}

// analyzeInput builds the engine input for the analyze command.
func analyzeInput(args []string) (engine.Input, error) {
	in := engine.Input{SessionID: "cli", Kind: analysis.SourceText}

	if info, err := os.Stat(args[0]); err == nil && info.Mode().IsRegular() {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return in, fmt.Errorf("read image: %w", err)
		}
		in.Kind = analysis.SourceImage
		in.Image = &engine.Image{Data: data, MIMEType: http.DetectContentType(data)}
		in.Text = strings.Join(args[1:], " ")
		return in, nil
	}

	in.Text = strings.Join(args, " ")
	return in, nil
}
