// Package classify routes an incoming query to one of three handling paths:
// direct navigation, plain web search, or the research agent.
package classify

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zechsh/scan/internal/llm"
)

// Kind is the query class the model assigns.
type Kind string

const (
	KindURL      Kind = "URL"
	KindSearch   Kind = "SEARCH"
	KindResearch Kind = "RESEARCH"
)

const classifierSystemPrompt = `You are a query classifier. Given a user input, classify it as exactly one of:

URL — The input looks like a domain name, IP address, or URL (with or without a protocol). Examples: "github.com", "docs.python.org/3/library/asyncio", "192.168.1.1"

SEARCH — The input is a simple web search query looking for results/links. Examples: "python list comprehension", "best pizza near me", "litestar framework"

RESEARCH — The input is a question or request that needs a comprehensive, direct answer or in-depth analysis rather than a list of links. Examples: "how does TCP congestion control work?", "compare React vs Svelte for SPAs"

Respond with exactly one word: URL, SEARCH, or RESEARCH. Nothing else.`

// ErrClassifier wraps provider failures so callers can distinguish them
// from their own errors.
var ErrClassifier = errors.New("query classification failed")

// Classifier assigns a Kind to a query with a single fast model call.
type Classifier struct {
	Client llm.ChatClient
	Model  string
}

// Classify returns the query's kind. Anything the model says outside the
// three classes is treated as SEARCH, the safest fallback.
func (c *Classifier) Classify(ctx context.Context, query string) (Kind, error) {
	resp, err := c.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.Model,
		// The field is omitempty, so a plain 0 never reaches the wire.
		// math.SmallestNonzeroFloat32 is the library's convention for an
		// explicit temperature of zero.
		Temperature: math.SmallestNonzeroFloat32,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassifier, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrClassifier)
	}
	switch k := Kind(strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))); k {
	case KindURL, KindSearch, KindResearch:
		return k, nil
	default:
		return KindSearch, nil
	}
}
