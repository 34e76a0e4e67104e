// Package config handles Platecheck configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/platecheck/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/platecheck/config.yaml, /etc/platecheck/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "platecheck", "config.yaml"))
	}

	paths = append(paths, "/etc/platecheck/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration is a [time.Duration] that unmarshals from YAML strings such
// as "30m" or "1.5s". Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		var secs int
		if _, scanErr := fmt.Sscanf(s, "%d", &secs); scanErr != nil || fmt.Sprint(secs) != s {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs) * time.Second
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all Platecheck configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Inference InferenceConfig `yaml:"inference"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Input     InputConfig     `yaml:"input"`
	Signal    SignalConfig    `yaml:"signal"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// InferenceConfig controls the reasoning service calls made for each
// analysis, refinement and fact request.
type InferenceConfig struct {
	// Provider selects the backend: anthropic, gemini or ollama.
	Provider string `yaml:"provider"`
	// Model is the model used for analysis and refinement.
	Model string `yaml:"model"`
	// FactModel is used for fact requests. Empty means Model.
	FactModel string `yaml:"fact_model"`
	// Timeout bounds a single attempt.
	Timeout Duration `yaml:"timeout"`
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  int      `yaml:"max_retries"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// SessionsConfig controls per-conversation session state.
type SessionsConfig struct {
	// TTL is how long an idle session keeps its analysis.
	TTL Duration `yaml:"ttl"`
	// HistoryDepth bounds the number of prior analyses kept per session.
	HistoryDepth int `yaml:"history_depth"`
	// SweepInterval is how often idle sessions are expired.
	SweepInterval Duration `yaml:"sweep_interval"`
	// Persist stores session snapshots in SQLite under DataDir so they
	// survive restarts.
	Persist bool `yaml:"persist"`
}

// InputConfig limits what users may submit.
type InputConfig struct {
	MaxImageBytes int64 `yaml:"max_image_bytes"`
	MaxTextRunes  int   `yaml:"max_text_runes"`
}

// SignalConfig configures the Signal transport via signal-cli.
type SignalConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command string   `yaml:"command"` // path to signal-cli
	Args    []string `yaml:"args"`    // e.g. ["-a", "+15551234567", "jsonRpc"]
	// AttachmentDir is where signal-cli stores received attachments.
	AttachmentDir string `yaml:"attachment_dir"`
	// RateLimitPerMinute caps messages accepted per sender. Zero disables.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// HandleTimeout bounds a single message from receipt to reply.
	HandleTimeout Duration `yaml:"handle_timeout"`
}

// MQTTConfig configures the Home Assistant MQTT publisher.
type MQTTConfig struct {
	Broker          string   `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	DiscoveryPrefix string   `yaml:"discovery_prefix"`
	DeviceName      string   `yaml:"device_name"`
	PublishInterval Duration `yaml:"publish_interval"`
}

// Configured reports whether an MQTT broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file. Values absent from the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Enabled: true, Port: 8080},
		Inference: InferenceConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			Timeout:     Duration(60 * time.Second),
			MaxRetries:  2,
			BackoffBase: Duration(time.Second),
			BackoffMax:  Duration(30 * time.Second),
		},
		Ollama: OllamaConfig{URL: "http://localhost:11434"},
		Sessions: SessionsConfig{
			TTL:           Duration(30 * time.Minute),
			HistoryDepth:  5,
			SweepInterval: Duration(5 * time.Minute),
		},
		Input: InputConfig{
			MaxImageBytes: 20 << 20,
			MaxTextRunes:  1000,
		},
		Signal: SignalConfig{
			Command:            "signal-cli",
			RateLimitPerMinute: 10,
			HandleTimeout:      Duration(5 * time.Minute),
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix: "homeassistant",
			DeviceName:      "platecheck",
			PublishInterval: Duration(60 * time.Second),
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// applyDefaults fills fields that a config file may have explicitly
// blanked out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Inference.Provider == "" {
		c.Inference.Provider = d.Inference.Provider
	}
	if c.Inference.FactModel == "" {
		c.Inference.FactModel = c.Inference.Model
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = d.Ollama.URL
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = d.MQTT.DiscoveryPrefix
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = d.MQTT.DeviceName
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.DataDir = paths.ExpandHome(c.DataDir)
	c.Signal.AttachmentDir = paths.ExpandHome(c.Signal.AttachmentDir)
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate checks the configuration for values the service cannot run
// with. It returns the first problem found.
func (c *Config) Validate() error {
	switch c.Inference.Provider {
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("anthropic.api_key is required for provider anthropic")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("gemini.api_key is required for provider gemini")
		}
	case "ollama":
		if c.Ollama.URL == "" {
			return fmt.Errorf("ollama.url is required for provider ollama")
		}
	default:
		return fmt.Errorf("inference.provider %q is not one of anthropic, gemini, ollama", c.Inference.Provider)
	}

	if c.Inference.Model == "" {
		return fmt.Errorf("inference.model is required")
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("inference.timeout must be positive")
	}
	if c.Inference.MaxRetries < 0 {
		return fmt.Errorf("inference.max_retries must not be negative")
	}
	if c.Inference.BackoffBase <= 0 {
		return fmt.Errorf("inference.backoff_base must be positive")
	}
	if c.Inference.BackoffMax < c.Inference.BackoffBase {
		return fmt.Errorf("inference.backoff_max (%s) is below backoff_base (%s)",
			c.Inference.BackoffMax.Std(), c.Inference.BackoffBase.Std())
	}

	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive")
	}
	if c.Sessions.HistoryDepth < 1 {
		return fmt.Errorf("sessions.history_depth must be at least 1")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}

	if c.Input.MaxImageBytes <= 0 {
		return fmt.Errorf("input.max_image_bytes must be positive")
	}

	if c.Signal.Enabled && c.Signal.Command == "" {
		return fmt.Errorf("signal.command is required when signal is enabled")
	}
	if c.Listen.Enabled && (c.Listen.Port <= 0 || c.Listen.Port > 65535) {
		return fmt.Errorf("listen.port %d is out of range", c.Listen.Port)
	}
	if c.MQTT.Configured() && c.MQTT.PublishInterval <= 0 {
		return fmt.Errorf("mqtt.publish_interval must be positive")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q is not one of text, json", c.LogFormat)
	}

	return nil
}
