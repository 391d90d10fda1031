// Package search defines the web search provider interface and its Brave
// implementation.
package search

import (
	"context"
)

// Result represents a single search hit from any provider.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Provider is a minimal interface for search providers.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
	Name() string
}
