// Package ai wraps the external completion service behind a small
// interface so handlers and tests do not depend on the SDK.
package ai

import "context"

// Turn is one prior message in the conversation sent to the model.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// Completer generates chat completions and chat titles.
type Completer interface {
	// StreamChat streams a completion for the conversation, invoking
	// onDelta for each text chunk, and returns the full response text.
	StreamChat(ctx context.Context, model string, turns []Turn, onDelta func(delta string) error) (string, error)

	// GenerateTitle produces a short chat title from the first user message.
	GenerateTitle(ctx context.Context, text string) (string, error)
}
