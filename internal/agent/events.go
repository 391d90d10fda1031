// Package agent implements the autonomous research agent: a tool-using chat
// loop that searches the web, fetches and extracts sources, and streams its
// progress as typed events suitable for an SSE transport.
package agent

// Event is one item in the pipeline's output stream. Name is the SSE event
// name; the event value itself is the JSON payload.
type Event interface {
	Name() string
}

// StageEvent marks a phase transition. Stage is "researching" while the
// agent gathers sources and "responding" once answer text starts flowing.
type StageEvent struct {
	Stage string `json:"stage"`
}

func (StageEvent) Name() string { return "stage" }

// DetailEvent reports fine-grained agent activity. Type is one of
// "research", "search", "fetch", "result", or "usage".
type DetailEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (DetailEvent) Name() string { return "detail" }

// TextEvent carries one streamed chunk of the answer.
type TextEvent struct {
	Text string `json:"text"`
}

func (TextEvent) Name() string { return "text" }

// ClarificationEvent asks the user to answer questions before the research
// can continue. It terminates the stream.
type ClarificationEvent struct {
	Questions []string `json:"questions"`
}

func (ClarificationEvent) Name() string { return "clarification" }

// DoneEvent terminates a successful stream.
type DoneEvent struct{}

func (DoneEvent) Name() string { return "done" }

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Error string `json:"error"`
}

func (ErrorEvent) Name() string { return "error" }

// Terminal reports whether an event ends the stream.
func Terminal(e Event) bool {
	switch e.(type) {
	case DoneEvent, ErrorEvent, ClarificationEvent:
		return true
	}
	return false
}
