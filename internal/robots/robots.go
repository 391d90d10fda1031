// Package robots fetches, parses, and caches robots.txt files and decides
// whether a URL may be fetched.
//
// The permission policy is deliberately stricter than RFC 9309: rules are
// evaluated for our own user agent and for a configurable set of watched AI
// crawler agents. If a site restricts any watched agent, we treat ourselves
// as restricted too. Parsed rules are cached in the database and refreshed
// after 24 hours.
package robots

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// UserAgent is the full outbound identity sent on every request.
const UserAgent = "scan-research-bot/1.0 (+https://scan.zech.sh; admin@zech.sh)"

// UserAgentToken is the short product token sites use in robots.txt groups.
const UserAgentToken = "scan-research-bot"

// DefaultWatchedAgents lists the user-agent tokens whose robots.txt rules we
// honor in addition to our own. The set is policy, not a parser constant, and
// can be overridden when constructing a Manager.
func DefaultWatchedAgents() []string {
	return []string{
		UserAgentToken,
		"scanresearchbot",
		"gptbot",
		"chatgpt-user",
		"claudebot",
		"claude-web",
		"anthropic-ai",
		"google-extended",
	}
}

// Rule is a single Allow or Disallow directive.
type Rule struct {
	Path    string `json:"path"`
	Allowed bool   `json:"allowed"`
}

// Group is a set of rules applying to one or more user agents.
type Group struct {
	UserAgents []string `json:"user_agents"`
	Rules      []Rule   `json:"rules"`
	CrawlDelay *float64 `json:"crawl_delay"`
}

// Parsed is a fully parsed robots.txt: ordered groups plus the tri-state
// ai-input / ai-train comment hints (nil means not specified).
type Parsed struct {
	Groups  []Group `json:"groups"`
	AIInput *bool   `json:"ai_input"`
	AITrain *bool   `json:"ai_train"`
}

var commentLine = regexp.MustCompile(`^\s*#\s*(.*)`)

// Parse parses robots.txt content into structured groups and AI hints.
// Groups are delimited by User-agent lines; each group applies to the agents
// listed before its first Allow/Disallow directive.
func Parse(content string) Parsed {
	var parsed Parsed
	var current *Group
	inRules := false

	appendGroup := func(agents ...string) *Group {
		parsed.Groups = append(parsed.Groups, Group{UserAgents: agents})
		return &parsed.Groups[len(parsed.Groups)-1]
	}

	for _, raw := range strings.Split(content, "\n") {
		if m := commentLine.FindStringSubmatch(raw); m != nil {
			hint := strings.ToLower(strings.TrimSpace(m[1]))
			if v, ok := strings.CutPrefix(hint, "ai-input:"); ok {
				yes := strings.TrimSpace(v) == "yes"
				parsed.AIInput = &yes
			} else if v, ok := strings.CutPrefix(hint, "ai-train:"); ok {
				yes := strings.TrimSpace(v) == "yes"
				parsed.AITrain = &yes
			}
			continue
		}

		line := raw
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		directive := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])

		switch directive {
		case "user-agent":
			if inRules {
				current = appendGroup()
				inRules = false
			}
			if current == nil {
				current = appendGroup()
			}
			current.UserAgents = append(current.UserAgents, strings.ToLower(value))
		case "disallow":
			if current == nil {
				current = appendGroup("*")
			}
			current.Rules = append(current.Rules, Rule{Path: value, Allowed: false})
			inRules = true
		case "allow":
			if current == nil {
				current = appendGroup("*")
			}
			current.Rules = append(current.Rules, Rule{Path: value, Allowed: true})
			inRules = true
		case "crawl-delay":
			if current == nil {
				current = appendGroup("*")
			}
			if d, err := strconv.ParseFloat(value, 64); err == nil {
				current.CrawlDelay = &d
			}
		}
	}
	return parsed
}

// matchingGroup selects the most specific group for a user agent: the longest
// non-wildcard substring match wins and the "*" group is the fallback.
// Returns nil when neither exists.
func (p Parsed) matchingGroup(userAgent string) *Group {
	ua := strings.ToLower(userAgent)
	var best *Group
	bestLen := 0
	var wildcard *Group
	for i := range p.Groups {
		g := &p.Groups[i]
		for _, token := range g.UserAgents {
			if token == "*" {
				wildcard = g
				continue
			}
			if strings.Contains(ua, token) && len(token) > bestLen {
				best = g
				bestLen = len(token)
			}
		}
	}
	if best != nil {
		return best
	}
	return wildcard
}

// pathMatches reports whether a robots.txt path pattern matches a URL path.
// '*' matches any sequence and a trailing '$' anchors the end of the path;
// otherwise the pattern is a prefix match. An empty pattern matches nothing,
// per RFC 9309 (empty Disallow means allow all).
func pathMatches(rulePath, urlPath string) bool {
	if rulePath == "" {
		return false
	}
	anchored := strings.HasSuffix(rulePath, "$")
	p := strings.TrimSuffix(rulePath, "$")

	var b strings.Builder
	b.WriteString("^")
	for _, r := range p {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	if anchored {
		b.WriteString("$")
	} else {
		b.WriteString(".*")
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(urlPath)
}

// IsPathAllowed checks a path against every watched user agent. If any
// watched agent's applicable rule is a Disallow, or ai-input is explicitly
// "no", the path is blocked. The applicable rule is the longest matching rule
// path within the agent's group; ties on length favor Disallow.
func (p Parsed) IsPathAllowed(path string, watched []string) bool {
	for _, ua := range watched {
		g := p.matchingGroup(ua)
		if g == nil || len(g.Rules) == 0 {
			continue
		}
		var best *Rule
		bestLen := -1
		for i := range g.Rules {
			r := &g.Rules[i]
			if !pathMatches(r.Path, path) {
				continue
			}
			if len(r.Path) > bestLen || (len(r.Path) == bestLen && !r.Allowed) {
				best = r
				bestLen = len(r.Path)
			}
		}
		if best != nil && !best.Allowed {
			return false
		}
	}
	if p.AIInput != nil && !*p.AIInput {
		return false
	}
	return true
}

// CrawlDelay returns the largest crawl-delay across the matching groups of
// all watched agents, or nil if none is specified.
func (p Parsed) CrawlDelay(watched []string) *float64 {
	var max *float64
	for _, ua := range watched {
		g := p.matchingGroup(ua)
		if g == nil || g.CrawlDelay == nil {
			continue
		}
		if max == nil || *g.CrawlDelay > *max {
			max = g.CrawlDelay
		}
	}
	return max
}

// aiCrawlerAgents are the third-party AI crawler tokens used for the
// ai_blocked derivation; our own token is intentionally excluded.
var aiCrawlerAgents = []string{
	"gptbot", "chatgpt-user", "claudebot", "claude-web",
	"anthropic-ai", "google-extended",
}

// AIBlocked reports whether the site blocks AI crawlers outright: a blanket
// "Disallow: /" for any AI crawler agent, or an explicit "ai-input: no".
func (p Parsed) AIBlocked() bool {
	if p.AIInput != nil && !*p.AIInput {
		return true
	}
	for _, ua := range aiCrawlerAgents {
		g := p.matchingGroup(ua)
		if g == nil {
			continue
		}
		for _, r := range g.Rules {
			if r.Path == "/" && !r.Allowed {
				return true
			}
		}
	}
	return false
}

// MarshalRules serializes parsed rules for database storage.
func MarshalRules(p Parsed) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalRules deserializes rules stored by MarshalRules.
func UnmarshalRules(s string) (Parsed, error) {
	var p Parsed
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return Parsed{}, err
	}
	return p, nil
}
