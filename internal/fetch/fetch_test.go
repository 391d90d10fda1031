package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zechsh/scan/internal/extract"
	"github.com/zechsh/scan/internal/kv"
	"github.com/zechsh/scan/internal/robots"
	"github.com/zechsh/scan/internal/throttle"
)

type fakeChat struct {
	mu      sync.Mutex
	lastReq openai.ChatCompletionRequest
	reply   string
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.reply}}},
	}, nil
}

func (f *fakeChat) lastUserContent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lastReq.Messages) == 0 {
		return ""
	}
	return f.lastReq.Messages[len(f.lastReq.Messages)-1].Content
}

func newTestFetcher(chat *fakeChat) *Fetcher {
	store := kv.NewMemory()
	return &Fetcher{
		Cache:     &throttle.ResponseCache{KV: store},
		Limiter:   throttle.NewLimiter(store),
		Extractor: &extract.Extractor{Client: chat, Model: "small"},
		UserAgent: "test-bot/1.0",
	}
}

func TestFetchAndExtractHTML(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if got := r.Header.Get("User-Agent"); got != "test-bot/1.0" {
			t.Errorf("unexpected user agent %q", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><nav>menu</nav><p>Useful fact.</p></body></html>"))
	}))
	t.Cleanup(srv.Close)

	chat := &fakeChat{reply: "EXTRACTED"}
	f := newTestFetcher(chat)
	f.HTTPClient = srv.Client()

	text, ok, err := f.FetchAndExtract(context.Background(), srv.URL+"/page", "facts")
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	if text != "EXTRACTED" {
		t.Fatalf("got %q", text)
	}
	prompt := chat.lastUserContent()
	if !strings.Contains(prompt, "Useful fact.") {
		t.Fatalf("extractor prompt missing page text:\n%s", prompt)
	}
	if strings.Contains(prompt, "menu") || strings.Contains(prompt, "<p>") {
		t.Fatalf("extractor prompt should hold stripped text:\n%s", prompt)
	}

	// Second fetch is served from cache, no new request and no throttling.
	if _, ok, err := f.FetchAndExtract(context.Background(), srv.URL+"/page", "facts"); err != nil || !ok {
		t.Fatalf("cached fetch: ok=%v err=%v", ok, err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one origin hit, got %d", got)
	}
}

func TestFetchAndExtractHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(&fakeChat{})
	f.HTTPClient = srv.Client()

	text, ok, err := f.FetchAndExtract(context.Background(), srv.URL+"/gone", "q")
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	want := fmt.Sprintf("Could not fetch %s/gone: HTTP 404", srv.URL)
	if text != want {
		t.Fatalf("got %q, want %q", text, want)
	}
}

func TestFetchAndExtractUnsupportedType(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0x00, 0x01})
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(&fakeChat{})
	f.HTTPClient = srv.Client()

	text, ok, err := f.FetchAndExtract(context.Background(), srv.URL+"/blob", "q")
	if err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	if text != "Unsupported content type: application/octet-stream" {
		t.Fatalf("got %q", text)
	}
}

func TestFetchAndExtractPlainText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("raw body text"))
	}))
	t.Cleanup(srv.Close)

	chat := &fakeChat{reply: "ok"}
	f := newTestFetcher(chat)
	f.HTTPClient = srv.Client()

	if _, ok, err := f.FetchAndExtract(context.Background(), srv.URL+"/notes.txt", "q"); err != nil || !ok {
		t.Fatalf("fetch: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(chat.lastUserContent(), "raw body text") {
		t.Fatalf("plain text body should pass through unmodified")
	}
}

type robotsStore struct {
	mu      sync.Mutex
	entries map[string]*robots.CacheEntry
}

func (s *robotsStore) GetRobots(_ context.Context, domain string) (*robots.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[domain]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *robotsStore) UpsertRobots(_ context.Context, entry *robots.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries[entry.Domain] = &cp
	return nil
}

func TestFetchAndExtractBlockedByRobots(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("origin must not be contacted for a disallowed URL")
	}))
	t.Cleanup(srv.Close)

	parsed := robots.Parse("User-agent: *\nDisallow: /\n")
	rules, err := robots.MarshalRules(parsed)
	if err != nil {
		t.Fatalf("marshal rules: %v", err)
	}
	domain := strings.TrimPrefix(srv.URL, "http://")
	host := strings.Split(domain, ":")[0]
	store := &robotsStore{entries: map[string]*robots.CacheEntry{
		host: {
			Domain:      host,
			RulesJSON:   rules,
			FetchedAt:   time.Now(),
			NextCheckAt: time.Now().Add(time.Hour),
		},
	}}

	f := newTestFetcher(&fakeChat{})
	f.HTTPClient = srv.Client()
	f.Robots = &robots.Manager{Store: store, HTTPClient: srv.Client()}

	text, ok, err := f.FetchAndExtract(context.Background(), srv.URL+"/anything", "q")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if ok || text != "" {
		t.Fatalf("disallowed URL should be skipped, got ok=%v text=%q", ok, text)
	}
}
