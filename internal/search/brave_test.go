package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBraveSearch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "test-key" {
			t.Errorf("missing subscription token, got %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "golang generics" {
			t.Errorf("unexpected query %q", got)
		}
		if got := r.URL.Query().Get("count"); got != "5" {
			t.Errorf("unexpected count %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"Go Generics","url":"https://go.dev/doc/tutorial/generics","description":"Tutorial"},
			{"title":"","url":"https://example.com/untitled","description":"skipped"},
			{"title":"Proposal","url":"https://go.dev/blog/generics-proposal","description":"Blog"}
		]}}`))
	}))
	t.Cleanup(srv.Close)

	b := &Brave{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()}
	results, err := b.Search(context.Background(), "golang generics", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 usable results, got %d", len(results))
	}
	if results[0].Title != "Go Generics" || results[0].URL != "https://go.dev/doc/tutorial/generics" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if results[0].Description != "Tutorial" {
		t.Fatalf("unexpected description: %q", results[0].Description)
	}
}

func TestBraveSearchErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	b := &Brave{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()}
	if _, err := b.Search(context.Background(), "anything", 5); err == nil {
		t.Fatalf("expected error on 429")
	}
}

func TestBraveSearchRequiresKey(t *testing.T) {
	t.Parallel()
	b := &Brave{}
	if _, err := b.Search(context.Background(), "anything", 5); err == nil {
		t.Fatalf("expected error without api key")
	}
}
