package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/config"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/session"
)

const carbonaraReply = `{"dish_name":"pasta carbonara","weight_g":250,"cooking_method":"baked","calories_kcal":480,"protein_g":18.5,"fat_g":22,"carbs_g":52,"confidence":"medium","assumptions":["standard recipe"]}`

// fakeOllama answers every chat request with content.
func fakeOllama(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "llava",
			"message":           map[string]string{"role": "assistant", "content": content},
			"done":              true,
			"prompt_eval_count": 120,
			"eval_count":        40,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes an Ollama-backed config pointing at url.
func writeConfig(t *testing.T, url string) string {
	t.Helper()
	dir := t.TempDir()
	body := `
inference:
  provider: ollama
  model: llava
  timeout: 5s
  max_retries: 0
ollama:
  url: ` + url + `
data_dir: ` + filepath.Join(dir, "data") + `
log_level: error
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout bytes.Buffer
		if err := run(context.Background(), &stdout, &bytes.Buffer{}, args); err != nil {
			t.Fatalf("run(%v) = %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: platecheck") {
			t.Errorf("run(%v) output missing usage:\n%s", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"analyze without args", []string{"analyze"}, "usage: platecheck analyze"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "serve"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, &bytes.Buffer{}, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(text.String(), "Platecheck ") || !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text version output:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &bytes.Buffer{}, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("decode json version: %v\n%s", err, js.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("json version missing fields: %v", info)
	}
}

func TestRun_Analyze(t *testing.T) {
	srv := fakeOllama(t, carbonaraReply)
	cfgPath := writeConfig(t, srv.URL)

	var stdout bytes.Buffer
	err := run(context.Background(), &stdout, &bytes.Buffer{},
		[]string{"-config", cfgPath, "analyze", "pasta", "carbonara"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"Pasta Carbonara", "~480 kcal"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_AnalyzeJSON(t *testing.T) {
	srv := fakeOllama(t, carbonaraReply)
	cfgPath := writeConfig(t, srv.URL)

	var stdout bytes.Buffer
	err := run(context.Background(), &stdout, &bytes.Buffer{},
		[]string{"-config", cfgPath, "-o", "json", "analyze", "pasta carbonara"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	var out engine.Outcome
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v\n%s", err, stdout.String())
	}
	if out.Kind != engine.NewCard || out.Analysis == nil || out.Analysis.WeightGrams != 250 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRun_AnalyzeFailure(t *testing.T) {
	srv := fakeOllama(t, "I'm not able to look at food right now.")
	cfgPath := writeConfig(t, srv.URL)

	var stdout bytes.Buffer
	err := run(context.Background(), &stdout, &bytes.Buffer{},
		[]string{"-config", cfgPath, "analyze", "pasta carbonara"})
	if err == nil || !strings.Contains(err.Error(), "analysis failed") {
		t.Fatalf("analyze = %v, want analysis failed", err)
	}
	if stdout.Len() == 0 {
		t.Error("failure message not printed")
	}
}

func TestAnalyzeInput(t *testing.T) {
	in, err := analyzeInput([]string{"two", "fried", "eggs"})
	if err != nil {
		t.Fatal(err)
	}
	if in.Kind != analysis.SourceText || in.Text != "two fried eggs" || in.Image != nil {
		t.Errorf("text input = %+v", in)
	}

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	path := filepath.Join(t.TempDir(), "lunch.png")
	if err := os.WriteFile(path, png, 0o600); err != nil {
		t.Fatal(err)
	}
	in, err = analyzeInput([]string{path, "my", "lunch"})
	if err != nil {
		t.Fatal(err)
	}
	if in.Kind != analysis.SourceImage || in.Image == nil {
		t.Fatalf("image input = %+v", in)
	}
	if in.Image.MIMEType != "image/png" || in.Text != "my lunch" {
		t.Errorf("image input = %q caption %q", in.Image.MIMEType, in.Text)
	}
}

func TestCreateLLMClient(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	cfg := config.Default()
	cfg.Inference.Provider = "ollama"
	cfg.Inference.FactModel = cfg.Inference.Model
	if _, err := createLLMClient(context.Background(), cfg, logger); err != nil {
		t.Errorf("ollama client: %v", err)
	}

	cfg.Inference.Provider = "openai"
	if _, err := createLLMClient(context.Background(), cfg, logger); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestMQTTStatsAdapter(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	store := session.NewStore(session.Config{TTL: 30 * time.Minute, HistoryDepth: 5}, logger)
	eng := engine.New(store, nil, nil, engine.Config{}, logger)

	a := &mqttStatsAdapter{model: "llava", engine: eng}
	if a.Model() != "llava" {
		t.Errorf("Model() = %q", a.Model())
	}
	if a.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", a.ActiveSessions())
	}
	if !a.LastAnalysis().IsZero() {
		t.Errorf("LastAnalysis() = %v, want zero", a.LastAnalysis())
	}
	if a.Version() == "" {
		t.Error("Version() empty")
	}
}
