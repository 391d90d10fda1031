package extract

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

func TestHTMLToTextStripsChrome(t *testing.T) {
	t.Parallel()
	in := `<html><head><title>Page</title><style>body{color:red}</style></head>
	<body>
	<header>Site header</header>
	<nav>Home | About</nav>
	<script>alert(1)</script>
	<p>First paragraph.</p>
	<div>Second <b>bold</b> chunk</div>
	<noscript>enable js</noscript>
	<footer>Copyright</footer>
	</body></html>`

	got := HTMLToText(in)
	for _, banned := range []string{"Site header", "Home | About", "alert", "enable js", "Copyright", "color:red"} {
		if strings.Contains(got, banned) {
			t.Fatalf("output should not contain %q:\n%s", banned, got)
		}
	}
	for _, want := range []string{"First paragraph.", "Second", "bold", "chunk"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(got, "\n") {
		t.Fatalf("chunks should be newline separated:\n%s", got)
	}
}

func TestHTMLToTextEmptyInput(t *testing.T) {
	t.Parallel()
	if got := HTMLToText(""); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}

type fakeChat struct {
	lastReq openai.ChatCompletionRequest
	reply   string
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.reply}}},
	}, nil
}

func TestExtractTextTruncatesInput(t *testing.T) {
	t.Parallel()
	fc := &fakeChat{reply: "relevant bits"}
	e := &Extractor{Client: fc, Model: "small"}

	long := strings.Repeat("x", maxExtractInput+500)
	got, err := e.ExtractText(context.Background(), long, "what is x")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "relevant bits" {
		t.Fatalf("got %q", got)
	}
	user := fc.lastReq.Messages[len(fc.lastReq.Messages)-1].Content
	if len(user) > maxExtractInput+100 {
		t.Fatalf("document not truncated, user message is %d bytes", len(user))
	}
	if !strings.Contains(user, "what is x") {
		t.Fatalf("query missing from prompt")
	}
}

func TestExtractTextTruncationKeepsValidUTF8(t *testing.T) {
	t.Parallel()
	fc := &fakeChat{reply: "ok"}
	e := &Extractor{Client: fc, Model: "small"}

	// A three-byte rune straddles the truncation point.
	long := strings.Repeat("a", maxExtractInput-1) + "世界"
	if _, err := e.ExtractText(context.Background(), long, "q"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	user := fc.lastReq.Messages[len(fc.lastReq.Messages)-1].Content
	if !utf8.ValidString(user) {
		t.Fatalf("prompt contains a split rune")
	}
	if strings.Contains(user, "世") {
		t.Fatalf("rune past the cap should have been dropped")
	}
}

func TestExtractImageSendsDataURL(t *testing.T) {
	t.Parallel()
	fc := &fakeChat{reply: "a chart"}
	e := &Extractor{Client: fc, Model: "small"}

	got, err := e.ExtractImage(context.Background(), []byte{0x89, 0x50}, "image/png", "describe")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "a chart" {
		t.Fatalf("got %q", got)
	}
	parts := fc.lastReq.Messages[len(fc.lastReq.Messages)-1].MultiContent
	if len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(parts))
	}
	if parts[1].ImageURL == nil || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Fatalf("expected inline data url, got %+v", parts[1].ImageURL)
	}
}
