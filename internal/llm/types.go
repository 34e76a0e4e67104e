package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string  `json:"role"` // system, user or assistant
	Content string  `json:"content"`
	Images  []Image `json:"-"`
}

// Image is an inline image attached to a user message.
type Image struct {
	Data     []byte
	MIMEType string
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model     string
	Provider  string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
}

// StatusError is returned when a provider answers with a non-success
// HTTP status. RetryAfter carries the provider's backoff hint, if any.
type StatusError struct {
	Provider   string
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Code, e.Body)
}

// RateLimited reports whether the provider throttled the request.
// Anthropic signals overload with 529.
func (e *StatusError) RateLimited() bool {
	return e.Code == 429 || e.Code == 529
}

// Temporary reports whether the failure is on the provider's side and
// may clear up on its own.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500
}
