package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zechsh/scan/internal/fetch"
	"github.com/zechsh/scan/internal/llm"
	"github.com/zechsh/scan/internal/search"
)

// maxRounds bounds how many tool-call rounds one run may take before the
// agent is forced to stop.
const maxRounds = 8

// maxURLsPerTopic is how many unseen search hits get fetched per research
// call.
const maxURLsPerTopic = 3

const researchSystemPrompt = `You are a research assistant. Your job is to thoroughly answer the user's question by gathering information from the web.

For each aspect you need to investigate, call the ` + "`research`" + ` tool with a focused topic string. You can call it multiple times for different aspects of the question.

If the question is ambiguous or requires information only the user can provide (personal preferences, specific constraints, etc.), call ` + "`ask_user`" + ` with clear, specific questions.

After gathering enough information, write your final answer. Be thorough but concise. Use markdown formatting and cite sources with URLs.`

var researchTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        "research",
		Description: "Search the web for a topic and return extracted findings.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"topic": {"type": "string", "description": "The focused topic to research."},
				"context": {"type": "string", "description": "Optional additional context to refine the search."}
			},
			"required": ["topic"]
		}`),
	},
}

var askUserTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        "ask_user",
		Description: "Ask the user clarifying questions when the query is ambiguous.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"questions": {
					"type": "array",
					"items": {"type": "string"},
					"description": "List of specific questions to ask the user."
				}
			},
			"required": ["questions"]
		}`),
	},
}

// Agent runs the research loop against a streaming chat model.
type Agent struct {
	LLM     llm.StreamClient
	Model   string
	Search  search.Provider
	Fetcher *fetch.Fetcher
}

// Run drives the agent over the given conversation until it produces a
// final answer, asks for clarification, or fails. Exactly one terminal
// event is emitted.
func (a *Agent) Run(ctx context.Context, conversation []openai.ChatCompletionMessage, emit func(Event)) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(conversation)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: researchSystemPrompt,
	})
	msgs = append(msgs, conversation...)

	fetched := make(map[string]bool)

	for round := 0; round < maxRounds; round++ {
		content, toolCalls, err := a.streamRound(ctx, msgs, emit)
		if err != nil {
			emit(ErrorEvent{Error: err.Error()})
			return
		}
		if len(toolCalls) == 0 {
			emit(DoneEvent{})
			return
		}

		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
		})
		for _, tc := range toolCalls {
			var out string
			switch tc.Function.Name {
			case "research":
				var args struct {
					Topic   string `json:"topic"`
					Context string `json:"context"`
				}
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					out = fmt.Sprintf("invalid research arguments: %v", err)
					break
				}
				out = a.research(ctx, args.Topic, args.Context, fetched, emit)
			case "ask_user":
				var args struct {
					Questions []string `json:"questions"`
				}
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					out = fmt.Sprintf("invalid ask_user arguments: %v", err)
					break
				}
				emit(ClarificationEvent{Questions: args.Questions})
				return
			default:
				out = fmt.Sprintf("unknown tool: %s", tc.Function.Name)
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    out,
				ToolCallID: tc.ID,
			})
		}
	}
	emit(ErrorEvent{Error: "research agent exceeded its tool call budget"})
}

// streamRound runs one streamed completion, relaying text deltas as they
// arrive and accumulating tool call fragments into whole calls.
func (a *Agent) streamRound(ctx context.Context, msgs []openai.ChatCompletionMessage, emit func(Event)) (string, []openai.ToolCall, error) {
	stream, err := a.LLM.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         a.Model,
		Messages:      msgs,
		Tools:         []openai.Tool{researchTool, askUserTool},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var content strings.Builder
	partial := make(map[int]*openai.ToolCall)
	var usage *openai.Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			emit(TextEvent{Text: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := partial[idx]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				partial[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	if usage != nil {
		emit(DetailEvent{Type: "usage", Payload: map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		}})
	}

	indexes := make([]int, 0, len(partial))
	for idx := range partial {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	calls := make([]openai.ToolCall, 0, len(partial))
	for _, idx := range indexes {
		calls = append(calls, *partial[idx])
	}
	return content.String(), calls, nil
}

// research searches for a topic, fetches the top unseen hits, and returns
// the extracted findings as the tool result.
func (a *Agent) research(ctx context.Context, topic, extra string, fetched map[string]bool, emit func(Event)) string {
	emit(DetailEvent{Type: "research", Payload: map[string]any{"topic": topic}})

	query := topic
	if extra != "" {
		query = strings.TrimSpace(topic + " " + extra)
	}
	emit(DetailEvent{Type: "search", Payload: map[string]any{"query": query}})

	results, err := a.Search.Search(ctx, query, 5)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("search failed")
		return fmt.Sprintf("Search failed for: %s", topic)
	}
	if len(results) == 0 {
		return fmt.Sprintf("No search results found for: %s", topic)
	}

	var findings []string
	for _, u := range pickTopURLs(results, fetched, maxURLsPerTopic) {
		emit(DetailEvent{Type: "fetch", Payload: map[string]any{"url": u}})
		text, ok, err := a.Fetcher.FetchAndExtract(ctx, u, topic)
		if err != nil {
			log.Warn().Err(err).Str("url", u).Msg("fetch failed")
			continue
		}
		fetched[u] = true
		if ok && text != "" {
			findings = append(findings, fmt.Sprintf("Source: %s\n%s", u, text))
		}
	}

	if len(findings) == 0 {
		var lines []string
		for _, r := range results[:min(3, len(results))] {
			lines = append(lines, fmt.Sprintf("- %s: %s (%s)", r.Title, r.Description, r.URL))
		}
		emit(DetailEvent{Type: "result", Payload: map[string]any{
			"summary": fmt.Sprintf("Found %d results for '%s'", len(results), topic),
		}})
		return fmt.Sprintf("Search results for '%s':\n%s", topic, strings.Join(lines, "\n"))
	}

	emit(DetailEvent{Type: "result", Payload: map[string]any{
		"summary": fmt.Sprintf("Extracted content from %d sources for '%s'", len(findings), topic),
	}})
	return strings.Join(findings, "\n\n---\n\n")
}

func pickTopURLs(results []search.Result, fetched map[string]bool, max int) []string {
	var urls []string
	for _, r := range results {
		if r.URL != "" && !fetched[r.URL] {
			urls = append(urls, r.URL)
			if len(urls) >= max {
				break
			}
		}
	}
	return urls
}
