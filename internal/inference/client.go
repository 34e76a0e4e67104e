// Package inference wraps calls to the external reasoning service with
// a per-attempt timeout, bounded retry with exponential backoff, and a
// check that the reply carries a JSON payload at all. Semantic
// validation of that payload belongs to the analysis package.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/httpkit"
	"github.com/nugget/platecheck/internal/llm"
	"github.com/nugget/platecheck/internal/prompts"
	"github.com/nugget/platecheck/internal/usage"
)

// Request is one analysis or refinement call. A refinement sets both
// Context (the current estimate) and Refinement (the user's delta).
type Request struct {
	SessionID  string
	Kind       analysis.SourceKind
	Text       string
	Image      *llm.Image
	Context    *analysis.Result
	Refinement *analysis.Refinement
}

// FactRequest asks for supplementary facts about a dish. Exclude lists
// fact texts already shown for it.
type FactRequest struct {
	SessionID string
	DishName  string
	Exclude   []string
}

// Raw is a service reply that passed the shape check.
type Raw struct {
	// Content is the full reply text.
	Content string
	// JSON is the payload extracted from Content.
	JSON string

	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	Attempts     int
	Elapsed      time.Duration
}

// Config controls models, timeouts and the retry schedule.
type Config struct {
	Model     string
	FactModel string

	// Timeout bounds each attempt, not the whole call.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Recorder persists token usage for completed calls.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Client is the inference adapter. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	llm    llm.Client
	cfg    Config
	logger *slog.Logger
	usage  Recorder

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an adapter over the given provider client.
func New(c llm.Client, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FactModel == "" {
		cfg.FactModel = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		llm:    c,
		cfg:    cfg,
		logger: logger.With("component", "inference"),
		sleep:  sleepCtx,
	}
}

// SetUsageRecorder enables token usage recording. Recording failures
// are logged and never fail the call.
func (c *Client) SetUsageRecorder(r Recorder) {
	c.usage = r
}

// Model returns the model used for analyses.
func (c *Client) Model() string { return c.cfg.Model }

// Ping checks that the provider is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.llm.Ping(ctx)
}

// Infer runs an analysis or refinement request. On failure the error is
// always a *ServiceError.
func (c *Client) Infer(ctx context.Context, req Request) (Raw, error) {
	msgs, op, err := buildMessages(req)
	if err != nil {
		return Raw{}, err
	}
	return c.do(ctx, req.SessionID, op, c.cfg.Model, msgs)
}

// Fact requests supplementary facts about a dish through the same retry
// pipeline as [Client.Infer].
func (c *Client) Fact(ctx context.Context, req FactRequest) (Raw, error) {
	msgs := []llm.Message{
		{Role: "system", Content: prompts.FactSystem},
		{Role: "user", Content: prompts.FactPrompt(req.DishName, req.Exclude)},
	}
	return c.do(ctx, req.SessionID, usage.OpFact, c.cfg.FactModel, msgs)
}

func buildMessages(req Request) ([]llm.Message, usage.Operation, error) {
	system := llm.Message{Role: "system", Content: prompts.AnalysisSystem}

	if req.Context != nil {
		if req.Refinement == nil {
			return nil, "", errors.New("refinement request without a delta")
		}
		p := req.Context
		user := prompts.RefinementPrompt(p.DishName, p.WeightGrams, string(p.CookingMethod),
			p.CaloriesKcal, p.Macros.ProteinG, p.Macros.FatG, p.Macros.CarbG,
			p.Assumptions, req.Refinement.String())
		return []llm.Message{system, {Role: "user", Content: user}}, usage.OpRefinement, nil
	}

	switch req.Kind {
	case analysis.SourceImage:
		if req.Image == nil || len(req.Image.Data) == 0 {
			return nil, "", errors.New("image request without image data")
		}
		return []llm.Message{system, {
			Role:    "user",
			Content: prompts.AnalysisImagePrompt(req.Text),
			Images:  []llm.Image{*req.Image},
		}}, usage.OpAnalysis, nil
	case analysis.SourceText:
		return []llm.Message{system, {Role: "user", Content: prompts.AnalysisTextPrompt(req.Text)}}, usage.OpAnalysis, nil
	}
	return nil, "", fmt.Errorf("unknown input kind %q", req.Kind)
}

func (c *Client) do(ctx context.Context, sessionID string, op usage.Operation, model string, msgs []llm.Message) (Raw, error) {
	start := time.Now()
	maxAttempts := 1 + c.cfg.MaxRetries
	log := c.logger.With("session_id", sessionID, "operation", op, "model", model)

	var last *ServiceError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if last != nil {
			wait := c.backoff(attempt-1, last.RetryAfter)
			log.Warn("inference attempt failed, retrying",
				"attempt", attempt-1,
				"kind", last.Kind,
				"backoff", wait,
				"error", last.Err,
			)
			if err := c.sleep(ctx, wait); err != nil {
				last.Err = fmt.Errorf("retry abandoned: %w", err)
				return Raw{}, last
			}
		}

		resp, err := c.attempt(ctx, model, msgs)
		if err != nil {
			last = err
			last.Attempts = attempt
			if !last.Kind.Retryable() || ctx.Err() != nil {
				return Raw{}, last
			}
			continue
		}

		elapsed := time.Since(start)
		c.record(ctx, sessionID, op, resp, attempt, elapsed)
		log.Log(ctx, llm.LevelTrace, "inference reply", "content", resp.Message.Content)

		payload, ok := analysis.ExtractJSON(resp.Message.Content)
		if !ok {
			return Raw{}, &ServiceError{
				Kind:     InvalidResponseShape,
				Attempts: attempt,
				Err:      errors.New("reply holds no JSON object or array"),
			}
		}

		log.Debug("inference complete",
			"attempts", attempt,
			"elapsed", elapsed.Round(time.Millisecond),
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
		)
		return Raw{
			Content:      resp.Message.Content,
			JSON:         payload,
			Model:        resp.Model,
			Provider:     resp.Provider,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Attempts:     attempt,
			Elapsed:      elapsed,
		}, nil
	}
	return Raw{}, last
}

// attempt makes one bounded call.
func (c *Client) attempt(ctx context.Context, model string, msgs []llm.Message) (*llm.ChatResponse, *ServiceError) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.llm.Chat(actx, model, msgs)
	if err == nil {
		if resp == nil {
			return nil, &ServiceError{Kind: InvalidResponseShape, Err: errors.New("empty response")}
		}
		return resp, nil
	}
	deadlineHit := ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded)
	return nil, classify(err, deadlineHit)
}

// classify maps a provider or transport error onto an [ErrorKind].
func classify(err error, deadlineHit bool) *ServiceError {
	se := &ServiceError{Err: err}

	var status *llm.StatusError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &status):
		se.RetryAfter = status.RetryAfter
		switch {
		case status.RateLimited():
			se.Kind = RateLimited
		case status.Temporary():
			se.Kind = Unreachable
		case status.Code == 408:
			se.Kind = Timeout
		default:
			se.Kind = Rejected
		}
	case deadlineHit, errors.Is(err, context.DeadlineExceeded), httpkit.IsTimeout(err):
		se.Kind = Timeout
	case httpkit.IsUnreachable(err):
		se.Kind = Unreachable
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		se.Kind = InvalidResponseShape
	default:
		se.Kind = Unreachable
	}
	return se
}

// backoff returns the wait before retry n (1-based): base*2^(n-1),
// raised to the provider's hint when that is longer, capped at max.
func (c *Client) backoff(n int, hint time.Duration) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < n && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	if hint > d {
		d = hint
	}
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

func (c *Client) record(ctx context.Context, sessionID string, op usage.Operation, resp *llm.ChatResponse, attempts int, elapsed time.Duration) {
	if c.usage == nil {
		return
	}
	err := c.usage.Record(context.WithoutCancel(ctx), usage.Record{
		Timestamp:    time.Now(),
		SessionID:    sessionID,
		Operation:    op,
		Model:        resp.Model,
		Provider:     resp.Provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Attempts:     attempts,
		Elapsed:      elapsed,
	})
	if err != nil {
		c.logger.Warn("failed to record usage", "session_id", sessionID, "error", err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
