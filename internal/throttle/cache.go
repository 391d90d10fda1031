package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zechsh/scan/internal/kv"
)

// DefaultCacheTTL applies when the origin sends no usable caching headers.
const DefaultCacheTTL = 24 * time.Hour

// maxCachedBody bounds the stored text so one huge page cannot bloat the
// backend.
const maxCachedBody = 500_000

// CachedResponse is the cached subset of an HTTP response. For HTML the Text
// field holds the raw body so later extraction changes still apply.
type CachedResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
}

// CacheKey derives the backend key for a URL.
func CacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "cache:" + hex.EncodeToString(sum[:])[:16]
}

// TTLFromHeaders derives a cache lifetime from response headers.
// Cache-Control wins over Expires; no-cache and no-store disable caching
// entirely.
func TTLFromHeaders(h http.Header, now time.Time) time.Duration {
	cc := strings.ToLower(h.Get("Cache-Control"))
	if cc != "" {
		for _, part := range strings.Split(cc, ",") {
			part = strings.TrimSpace(part)
			if part == "no-cache" || part == "no-store" {
				return 0
			}
		}
		for _, part := range strings.Split(cc, ",") {
			part = strings.TrimSpace(part)
			if v, ok := strings.CutPrefix(part, "max-age="); ok {
				secs, err := strconv.Atoi(strings.TrimSpace(v))
				if err != nil {
					continue
				}
				if secs < 0 {
					secs = 0
				}
				return time.Duration(secs) * time.Second
			}
		}
	}
	if exp := h.Get("Expires"); exp != "" {
		if t, err := mail.ParseDate(exp); err == nil {
			d := t.Sub(now)
			if d < 0 {
				d = 0
			}
			return d
		}
	}
	return DefaultCacheTTL
}

// ResponseCache stores fetched responses in the key-value backend. A nil KV
// disables caching, which keeps the fetch path identical either way.
type ResponseCache struct {
	KV kv.Store
}

// Get returns the cached response for a URL, or nil on miss. Backend errors
// and undecodable entries are treated as misses.
func (c *ResponseCache) Get(ctx context.Context, rawURL string) *CachedResponse {
	if c == nil || c.KV == nil {
		return nil
	}
	data, ok, err := c.KV.Get(ctx, CacheKey(rawURL))
	if err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("response cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	var cached CachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("discarding undecodable cache entry")
		return nil
	}
	return &cached
}

// Put stores a response with a TTL derived from its headers. Responses the
// origin marked uncacheable are skipped.
func (c *ResponseCache) Put(ctx context.Context, rawURL string, resp *CachedResponse, header http.Header) {
	if c == nil || c.KV == nil {
		return
	}
	ttl := TTLFromHeaders(header, time.Now())
	if ttl <= 0 {
		return
	}
	stored := *resp
	if len(stored.Text) > maxCachedBody {
		stored.Text = stored.Text[:maxCachedBody]
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return
	}
	if err := c.KV.Set(ctx, CacheKey(rawURL), data, ttl); err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("response cache write failed")
	}
}
