package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zechsh/scan/internal/extract"
	"github.com/zechsh/scan/internal/fetch"
	"github.com/zechsh/scan/internal/kv"
	"github.com/zechsh/scan/internal/llm"
	"github.com/zechsh/scan/internal/search"
	"github.com/zechsh/scan/internal/throttle"
)

// scriptedModel serves one canned SSE response per chat completion request.
func scriptedModel(t *testing.T, responses [][]string) llm.Client {
	t.Helper()
	var call int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(atomic.AddInt32(&call, 1)) - 1
		if n >= len(responses) {
			t.Errorf("unexpected completion call %d", n)
			http.Error(w, "no script", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range responses[n] {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return llm.NewOpenAIProvider(srv.URL+"/v1", "test-key")
}

func textChunk(s string) string {
	return fmt.Sprintf(`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`, s)
}

func toolChunk(id, name, args string) string {
	return fmt.Sprintf(`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":%q,"type":"function","function":{"name":%q,"arguments":%q}}]}}]}`, id, name, args)
}

const usageChunk = `{"object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`

type stubSearch struct {
	results []search.Result
	queries []string
}

func (s *stubSearch) Name() string { return "stub" }

func (s *stubSearch) Search(_ context.Context, query string, _ int) ([]search.Result, error) {
	s.queries = append(s.queries, query)
	return s.results, nil
}

type fakeChat struct{ reply string }

func (f *fakeChat) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.reply}}},
	}, nil
}

func collect(ch func(func(Event))) []Event {
	var events []Event
	ch(func(e Event) { events = append(events, e) })
	return events
}

func TestAgentResearchesThenAnswers(t *testing.T) {
	t.Parallel()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>source content</p>"))
	}))
	t.Cleanup(origin.Close)

	client := scriptedModel(t, [][]string{
		{toolChunk("call1", "research", `{"topic":"go generics"}`), usageChunk},
		{textChunk("Generics "), textChunk("explained."), usageChunk},
	})

	store := kv.NewMemory()
	srch := &stubSearch{results: []search.Result{
		{Title: "Doc", URL: origin.URL + "/doc", Description: "docs"},
	}}
	a := &Agent{
		LLM:    client,
		Model:  "main",
		Search: srch,
		Fetcher: &fetch.Fetcher{
			Cache:      &throttle.ResponseCache{KV: store},
			Limiter:    throttle.NewLimiter(store),
			Extractor:  &extract.Extractor{Client: &fakeChat{reply: "FINDING"}, Model: "small"},
			HTTPClient: origin.Client(),
		},
	}

	events := collect(func(emit func(Event)) {
		a.Run(context.Background(), []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "explain go generics"},
		}, emit)
	})

	var details []string
	var text strings.Builder
	var done bool
	for _, e := range events {
		switch ev := e.(type) {
		case DetailEvent:
			details = append(details, ev.Type)
		case TextEvent:
			text.WriteString(ev.Text)
		case DoneEvent:
			done = true
		case ErrorEvent:
			t.Fatalf("unexpected error event: %s", ev.Error)
		}
	}
	if !done {
		t.Fatalf("expected a done event, got %v", events)
	}
	if text.String() != "Generics explained." {
		t.Fatalf("unexpected answer text %q", text.String())
	}
	want := []string{"research", "search", "fetch", "result", "usage"}
	for _, w := range want {
		found := false
		for _, d := range details {
			if d == w {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing %q detail event in %v", w, details)
		}
	}
	if len(srch.queries) != 1 || srch.queries[0] != "go generics" {
		t.Fatalf("unexpected search queries %v", srch.queries)
	}
}

func TestAgentEmitsClarification(t *testing.T) {
	t.Parallel()
	client := scriptedModel(t, [][]string{
		{toolChunk("call1", "ask_user", `{"questions":["Which city?","What budget?"]}`)},
	})
	a := &Agent{LLM: client, Model: "main", Search: &stubSearch{}}

	events := collect(func(emit func(Event)) {
		a.Run(context.Background(), []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "find me a restaurant"},
		}, emit)
	})

	last := events[len(events)-1]
	cl, ok := last.(ClarificationEvent)
	if !ok {
		t.Fatalf("expected clarification terminal event, got %T", last)
	}
	if len(cl.Questions) != 2 || cl.Questions[0] != "Which city?" {
		t.Fatalf("unexpected questions %v", cl.Questions)
	}
	for _, e := range events {
		if _, isDone := e.(DoneEvent); isDone {
			t.Fatalf("clarification run must not also emit done")
		}
	}
}

func TestAgentNoResultsFallback(t *testing.T) {
	t.Parallel()
	client := scriptedModel(t, [][]string{
		{toolChunk("call1", "research", `{"topic":"obscure topic"}`)},
		{textChunk("Nothing found.")},
	})
	a := &Agent{LLM: client, Model: "main", Search: &stubSearch{}}

	events := collect(func(emit func(Event)) {
		a.Run(context.Background(), []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "obscure topic"},
		}, emit)
	})
	if _, ok := events[len(events)-1].(DoneEvent); !ok {
		t.Fatalf("expected done, got %T", events[len(events)-1])
	}
}

func TestPipelineStages(t *testing.T) {
	t.Parallel()
	client := scriptedModel(t, [][]string{
		{textChunk("Answer.")},
	})
	p := &Pipeline{Agent: &Agent{LLM: client, Model: "main", Search: &stubSearch{}}}

	var events []Event
	for e := range p.Run(context.Background(), "question", "", nil) {
		events = append(events, e)
	}

	if len(events) < 3 {
		t.Fatalf("expected at least stage/stage/text/done, got %v", events)
	}
	first, ok := events[0].(StageEvent)
	if !ok || first.Stage != "researching" {
		t.Fatalf("first event should be the researching stage, got %+v", events[0])
	}
	sawResponding := false
	for _, e := range events {
		if s, ok := e.(StageEvent); ok && s.Stage == "responding" {
			sawResponding = true
		}
		if _, ok := e.(TextEvent); ok && !sawResponding {
			t.Fatalf("responding stage must precede text")
		}
	}
	if _, ok := events[len(events)-1].(DoneEvent); !ok {
		t.Fatalf("expected done terminal, got %T", events[len(events)-1])
	}
}

func TestPipelineAppendsAdditionalContext(t *testing.T) {
	t.Parallel()
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody.Store(string(b))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", textChunk("ok"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	p := &Pipeline{Agent: &Agent{
		LLM:    llm.NewOpenAIProvider(srv.URL+"/v1", "k"),
		Model:  "main",
		Search: &stubSearch{},
	}}
	for range p.Run(context.Background(), "base query", "answers to questions", nil) {
	}

	body, _ := gotBody.Load().(string)
	if !strings.Contains(body, "Additional context from user: answers to questions") {
		t.Fatalf("request body missing additional context:\n%s", body)
	}
}
