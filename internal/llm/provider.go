package llm

import (
	"context"
)

// Provider defines the interface for LLM providers backing the gate and
// structuring boundaries.
type Provider interface {
	// Name returns the provider name
	Name() string

	// Complete runs a single chat completion and returns the raw text
	// response. Contract parsing happens at the caller.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// CompletionRequest contains the input for a completion call
type CompletionRequest struct {
	// System is the system prompt establishing the output contract
	System string

	// Prompt is the user message (buffered transcript or segment + context)
	Prompt string

	// Model is the specific model to use (provider-specific)
	Model string

	// MaxTokens limits the response length
	MaxTokens int

	// Temperature controls sampling; structuring calls run low
	Temperature float32
}

// CompletionResponse contains the raw model output
type CompletionResponse struct {
	// Text is the raw response content
	Text string

	// Model is the model that generated the response
	Model string

	// TokensUsed tracks token consumption
	TokensUsed int
}

// Config holds LLM provider configuration
type Config struct {
	// APIKey for the provider
	APIKey string

	// BaseURL for custom endpoints (proxies, local models)
	BaseURL string

	// Timeout for API requests in seconds
	Timeout int

	// MaxTokens default for response generation
	MaxTokens int
}
