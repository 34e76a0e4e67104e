package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiClient calls Google's Gemini models through the genai SDK.
type GeminiClient struct {
	client    *genai.Client
	pingModel string
	logger    *slog.Logger
}

// NewGeminiClient creates a Gemini client. pingModel is the model
// looked up by [GeminiClient.Ping].
func NewGeminiClient(ctx context.Context, apiKey, pingModel string, logger *slog.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &GeminiClient{
		client:    client,
		pingModel: pingModel,
		logger:    logger.With("provider", "gemini"),
	}, nil
}

// Chat sends a GenerateContent request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	contents, system := convertToGemini(messages)

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.2),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"contents", len(contents),
		"system_len", len(system),
	)

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, convertGeminiError(err)
	}

	result := &ChatResponse{
		Model:     model,
		Provider:  "gemini",
		CreatedAt: time.Now(),
		Message: Message{
			Role:    "assistant",
			Content: resp.Text(),
		},
		Done:          true,
		TotalDuration: time.Since(start),
	}
	if resp.ModelVersion != "" {
		result.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		result.InputTokens = int(u.PromptTokenCount)
		result.OutputTokens = int(u.CandidatesTokenCount)
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping fetches model metadata to verify the key and reachability.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.pingModel, nil); err != nil {
		return convertGeminiError(err)
	}
	return nil
}

// convertToGemini maps chat messages onto genai contents. System
// messages become the system instruction.
func convertToGemini(messages []Message) ([]*genai.Content, string) {
	var systemParts []string
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			parts := make([]*genai.Part, 0, len(msg.Images)+1)
			for _, img := range msg.Images {
				parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
			}
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	return contents, strings.Join(systemParts, "\n\n")
}

// convertGeminiError maps SDK API errors onto [StatusError] so callers
// can classify them like any other provider's.
func convertGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: "gemini", Code: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &StatusError{Provider: "gemini", Code: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
