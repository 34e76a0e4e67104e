// Package llm provides clients for the reasoning services that estimate
// nutrition from meal photos and descriptions.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a single-turn or multi-turn request and returns the
	// complete response. Image parts on user messages are forwarded to
	// providers that accept them.
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
