// Package store persists chat sessions, their messages, and the robots.txt
// cache in SQLite.
package store

import (
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the requesting user.
var ErrNotFound = errors.New("not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a research chat owned by a user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one user query or assistant response within a session. For
// assistant messages EventsJSON holds the replayable event list and
// UsageJSON the token accounting of the run that produced it. Seq is a
// per-chat counter assigned on insert; wall-clock timestamps only have
// second resolution, so Seq is what defines message order.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	Seq        int64     `json:"-"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	EventsJSON string    `json:"events_json"`
	UsageJSON  string    `json:"usage_json"`
	CreatedAt  time.Time `json:"created_at"`
}
