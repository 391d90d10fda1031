package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCrawlDelay applies when a site specifies no Crawl-delay directive.
const DefaultCrawlDelay = 10.0

// recheckInterval is how long a cached entry stays valid before the
// robots.txt is fetched and reparsed.
const recheckInterval = 24 * time.Hour

const fetchTimeout = 10 * time.Second

// CacheEntry is the persisted per-domain robots.txt record.
type CacheEntry struct {
	Domain      string
	RawContent  string
	RulesJSON   string
	CrawlDelay  *float64
	AIBlocked   bool
	FetchedAt   time.Time
	NextCheckAt time.Time
}

// Store persists CacheEntry records. Get returns (nil, nil) when the domain
// has no entry yet; Upsert must never create duplicate domains.
type Store interface {
	GetRobots(ctx context.Context, domain string) (*CacheEntry, error)
	UpsertRobots(ctx context.Context, entry *CacheEntry) error
}

// Manager answers URL permission checks, backed by the persisted cache.
type Manager struct {
	Store      Store
	HTTPClient *http.Client
	UserAgent  string
	// Watched overrides DefaultWatchedAgents when non-empty.
	Watched []string

	now func() time.Time
	// robotsURLFor is overridable in tests to point at an httptest server.
	robotsURLFor func(domain string) string
}

func (m *Manager) watched() []string {
	if len(m.Watched) > 0 {
		return m.Watched
	}
	return DefaultWatchedAgents()
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now().UTC()
}

// fetchRobotsTxt downloads https://<domain>/robots.txt. Any non-200 status
// or network error yields an empty body, which parses as allow-all.
func (m *Manager) fetchRobotsTxt(ctx context.Context, domain string) string {
	robotsURL := fmt.Sprintf("https://%s/robots.txt", domain)
	if m.robotsURLFor != nil {
		robotsURL = m.robotsURLFor(domain)
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return ""
	}
	ua := m.UserAgent
	if ua == "" {
		ua = UserAgent
	}
	req.Header.Set("User-Agent", ua)

	client := m.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Debug().Str("domain", domain).Err(err).Msg("robots.txt fetch failed")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return string(body)
}

// Rules returns the parsed robots.txt for a domain, refreshing the persisted
// entry when it is missing or past its next-check time. Refresh is
// idempotent: a stale read by a concurrent caller only causes a redundant
// upsert of the same data.
func (m *Manager) Rules(ctx context.Context, domain string) (Parsed, *CacheEntry, error) {
	now := m.clock()

	entry, err := m.Store.GetRobots(ctx, domain)
	if err != nil {
		return Parsed{}, nil, fmt.Errorf("robots cache lookup: %w", err)
	}
	if entry != nil && now.Before(entry.NextCheckAt) {
		parsed, err := UnmarshalRules(entry.RulesJSON)
		if err == nil {
			return parsed, entry, nil
		}
		// Corrupt stored rules fall through to a refetch.
		log.Warn().Str("domain", domain).Err(err).Msg("stored robots rules unreadable, refetching")
	}

	raw := m.fetchRobotsTxt(ctx, domain)
	parsed := Parse(raw)
	rulesJSON, err := MarshalRules(parsed)
	if err != nil {
		return Parsed{}, nil, fmt.Errorf("serialize robots rules: %w", err)
	}
	entry = &CacheEntry{
		Domain:      domain,
		RawContent:  raw,
		RulesJSON:   rulesJSON,
		CrawlDelay:  parsed.CrawlDelay(m.watched()),
		AIBlocked:   parsed.AIBlocked(),
		FetchedAt:   now,
		NextCheckAt: now.Add(recheckInterval),
	}
	if err := m.Store.UpsertRobots(ctx, entry); err != nil {
		return Parsed{}, nil, fmt.Errorf("robots cache upsert: %w", err)
	}
	return parsed, entry, nil
}

// Check reports whether a URL may be fetched and the crawl delay to apply.
// A URL without a hostname is never allowed.
func (m *Manager) Check(ctx context.Context, rawURL string) (bool, float64, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false, DefaultCrawlDelay, nil
	}
	domain := strings.ToLower(u.Hostname())
	path := u.Path
	if path == "" {
		path = "/"
	}

	parsed, entry, err := m.Rules(ctx, domain)
	if err != nil {
		return false, DefaultCrawlDelay, err
	}

	allowed := parsed.IsPathAllowed(path, m.watched())
	delay := DefaultCrawlDelay
	if entry.CrawlDelay != nil {
		delay = *entry.CrawlDelay
	}
	return allowed, delay, nil
}
