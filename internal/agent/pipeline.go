package agent

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultRunTimeout caps the wall clock of one research run.
const DefaultRunTimeout = 5 * time.Minute

// Pipeline wraps the agent with the event choreography the transport
// expects: an opening "researching" stage, a "responding" stage before the
// first text chunk, and a closed channel after the terminal event.
type Pipeline struct {
	Agent   *Agent
	Timeout time.Duration
}

// Run starts a research run for query. history holds prior turns of the
// conversation, oldest first, and may be nil. additionalContext carries the
// user's answers to a previous clarification round.
func (p *Pipeline) Run(ctx context.Context, query, additionalContext string, history []openai.ChatCompletionMessage) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)

		timeout := p.Timeout
		if timeout <= 0 {
			timeout = DefaultRunTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		send := func(e Event) {
			select {
			case out <- e:
			case <-ctx.Done():
			}
		}

		send(StageEvent{Stage: "researching"})

		full := query
		if additionalContext != "" {
			full += "\n\nAdditional context from user: " + additionalContext
		}
		conversation := make([]openai.ChatCompletionMessage, 0, len(history)+1)
		conversation = append(conversation, history...)
		conversation = append(conversation, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: full,
		})

		sentResponding := false
		p.Agent.Run(ctx, conversation, func(e Event) {
			if _, isText := e.(TextEvent); isText && !sentResponding {
				sentResponding = true
				send(StageEvent{Stage: "responding"})
			}
			send(e)
		})
	}()
	return out
}
