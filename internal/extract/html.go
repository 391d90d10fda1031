// Package extract turns fetched bodies into text the agent can read:
// HTML-to-text conversion, PDF text extraction, and the LLM pass that pulls
// the sections relevant to a query out of a long document.
package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// HTMLToText strips markup from an HTML document and returns its visible
// text, one chunk per line. Script, style, and navigational chrome are
// dropped.
func HTMLToText(input string) string {
	node, err := html.Parse(strings.NewReader(input))
	if err != nil || node == nil {
		return ""
	}
	var parts []string
	collectText(&parts, node)
	return strings.Join(parts, "\n")
}

func collectText(parts *[]string, n *html.Node) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "nav", "header", "footer":
			return
		}
	}
	if n.Type == html.TextNode {
		if s := strings.TrimSpace(n.Data); s != "" {
			*parts = append(*parts, s)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(parts, c)
	}
}
