// Package fetch implements the polite retrieval path the research agent
// uses: robots.txt policy, response cache, per-domain rate limit, then the
// HTTP request and content-type dispatch into extraction.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zechsh/scan/internal/extract"
	"github.com/zechsh/scan/internal/robots"
	"github.com/zechsh/scan/internal/throttle"
)

const fetchTimeout = 30 * time.Second

// Fetcher retrieves a URL and reduces it to query-relevant text.
type Fetcher struct {
	Robots     *robots.Manager // nil skips the policy check
	Cache      *throttle.ResponseCache
	Limiter    *throttle.Limiter
	Extractor  *extract.Extractor
	HTTPClient *http.Client
	UserAgent  string
}

// FetchAndExtract fetches url and returns the content relevant to query.
// ok is false when robots.txt disallows the URL, in which case nothing was
// fetched. Unreachable pages and unsupported content types come back as
// readable text rather than errors so the agent can reason about them.
func (f *Fetcher) FetchAndExtract(ctx context.Context, rawURL, query string) (text string, ok bool, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Sprintf("Could not fetch %s: %v", rawURL, err), true, nil
	}
	domain := strings.ToLower(parsed.Hostname())

	delay := robots.DefaultCrawlDelay
	if f.Robots != nil {
		allowed, d, err := f.Robots.Check(ctx, rawURL)
		if err != nil {
			return "", false, err
		}
		if !allowed {
			log.Info().Str("url", rawURL).Msg("blocked by robots.txt")
			return "", false, nil
		}
		delay = d
	}

	if cached := f.Cache.Get(ctx, rawURL); cached != nil {
		body := cached.Text
		if strings.Contains(cached.ContentType, "html") {
			body = extract.HTMLToText(body)
		}
		out, err := f.Extractor.ExtractText(ctx, body, query)
		if err != nil {
			return "", false, err
		}
		return out, true, nil
	}

	if err := f.Limiter.Wait(ctx, domain, delay); err != nil {
		return "", false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Sprintf("Could not fetch %s: %v", rawURL, err), true, nil
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	hc := f.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: fetchTimeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return fmt.Sprintf("Could not fetch %s: %v", rawURL, err), true, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Sprintf("Could not fetch %s: HTTP %d", rawURL, resp.StatusCode), true, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("Could not fetch %s: %v", rawURL, err), true, nil
	}

	contentType := strings.ToLower(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0]))

	if strings.Contains(contentType, "html") || strings.HasPrefix(contentType, "text/") {
		f.Cache.Put(ctx, rawURL, &throttle.CachedResponse{
			StatusCode:  resp.StatusCode,
			ContentType: contentType,
			Text:        string(body),
		}, resp.Header)
	}

	switch {
	case contentType == "application/pdf":
		pdfText, err := extract.PDFToText(body)
		if err != nil {
			return "", false, err
		}
		text, err = f.Extractor.ExtractText(ctx, pdfText, query)
	case strings.HasPrefix(contentType, "image/"):
		text, err = f.Extractor.ExtractImage(ctx, body, contentType, query)
	case strings.Contains(contentType, "html"):
		text, err = f.Extractor.ExtractText(ctx, extract.HTMLToText(string(body)), query)
	case strings.HasPrefix(contentType, "text/"):
		text, err = f.Extractor.ExtractText(ctx, string(body), query)
	default:
		return fmt.Sprintf("Unsupported content type: %s", contentType), true, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}
