// Package llm holds the thin client interfaces over an OpenAI-compatible
// chat API. Everything model-facing in the codebase goes through these so
// tests can substitute fakes and any compatible backend can be plugged in.
package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient is the minimal interface for one-shot chat completions. It
// mirrors the CreateChatCompletion method so any OpenAI-compatible backend
// can be adapted.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StreamClient is the interface for streamed chat completions, used by the
// research agent so tokens can be relayed as they arrive.
type StreamClient interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Client combines both call styles; *openai.Client satisfies it directly.
type Client interface {
	ChatClient
	StreamClient
}

// OpenAIProvider adapts *openai.Client to the Client interface.
type OpenAIProvider struct {
	Inner *openai.Client
}

func (p *OpenAIProvider) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return p.Inner.CreateChatCompletion(ctx, request)
}

func (p *OpenAIProvider) CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	return p.Inner.CreateChatCompletionStream(ctx, request)
}

// NewOpenAIProvider builds a provider for the given endpoint. baseURL may be
// empty for the public OpenAI API.
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{Inner: openai.NewClientWithConfig(cfg)}
}
