package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, params Params) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// tokens are delivered to it as they arrive. Cancelling ctx abandons
	// the stream; the text received so far is returned with the error.
	ChatStream(ctx context.Context, model string, messages []Message, params Params, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable and the credentials are accepted.
	Ping(ctx context.Context) error
}
