package store

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/zechsh/scan/internal/robots"
)

// DB wraps the SQLite handle. It also implements robots.Store.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_session (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title VARCHAR(500) NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_chat_session_user_created ON chat_session (user_id, created_at);

CREATE TABLE IF NOT EXISTS chat_message (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL REFERENCES chat_session (id),
	seq INTEGER NOT NULL,
	role VARCHAR(20) NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	events_json TEXT NOT NULL DEFAULT '[]',
	usage_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ix_chat_message_chat_seq ON chat_message (chat_id, seq);
CREATE INDEX IF NOT EXISTS ix_chat_message_chat_created ON chat_message (chat_id, created_at);

CREATE TABLE IF NOT EXISTS robots_txt_cache (
	id TEXT PRIMARY KEY,
	domain VARCHAR(255) NOT NULL UNIQUE,
	raw_content TEXT NOT NULL DEFAULT '',
	rules_json TEXT NOT NULL DEFAULT '{}',
	crawl_delay REAL,
	ai_blocked INTEGER NOT NULL DEFAULT 0,
	fetched_at INTEGER NOT NULL,
	next_check_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_robots_next_check ON robots_txt_cache (next_check_at);
`

// Open opens (or creates) the database at dsn and applies the schema.
// Pragmas follow the modernc driver convention of `_pragma=` parameters.
func Open(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	db, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "open db %s", dsn)
	}
	// WAL mode works best over a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// CreateSession inserts a new chat session and returns it.
func (d *DB) CreateSession(ctx context.Context, userID, title string) (*Session, error) {
	title = truncate(title, 500)
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	s.UpdatedAt = s.CreatedAt
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO chat_session (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.Title, s.CreatedAt.Unix(), s.UpdatedAt.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return s, nil
}

// GetSession returns the session only when it belongs to userID.
func (d *DB) GetSession(ctx context.Context, id, userID string) (*Session, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chat_session WHERE id = ? AND user_id = ?`,
		id, userID)
	return scanSession(row)
}

// ListRecentSessions returns the user's sessions, most recently updated
// first.
func (d *DB) ListRecentSessions(ctx context.Context, userID string, limit, offset int) ([]Session, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chat_session
		 WHERE user_id = ? ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		var created, updated int64
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &created, &updated); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		s.CreatedAt = time.Unix(created, 0).UTC()
		s.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSessions returns how many sessions the user owns.
func (d *DB) CountSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_session WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count sessions")
	}
	return n, nil
}

// AppendMessage adds a message to a session and bumps the session's
// updated_at so it sorts to the top of the recent list.
func (d *DB) AppendMessage(ctx context.Context, chatID, role, content, eventsJSON, usageJSON string) (*Message, error) {
	if eventsJSON == "" {
		eventsJSON = "[]"
	}
	if usageJSON == "" {
		usageJSON = "{}"
	}
	m := &Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		Role:       role,
		Content:    content,
		EventsJSON: eventsJSON,
		UsageJSON:  usageJSON,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()
	// Timestamps only resolve to the second, so order is carried by a
	// per-chat counter instead.
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_message WHERE chat_id = ?`, chatID).Scan(&m.Seq)
	if err != nil {
		return nil, errors.Wrap(err, "next seq")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_message (id, chat_id, seq, role, content, events_json, usage_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Seq, m.Role, m.Content, m.EventsJSON, m.UsageJSON, m.CreatedAt.Unix(), m.CreatedAt.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE chat_session SET updated_at = ? WHERE id = ?`, m.CreatedAt.Unix(), chatID)
	if err != nil {
		return nil, errors.Wrap(err, "bump session")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return m, nil
}

// ListMessages returns a session's messages in insertion order.
func (d *DB) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, chat_id, seq, role, content, events_json, usage_json, created_at
		 FROM chat_message WHERE chat_id = ? ORDER BY seq`,
		chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &m.Role, &m.Content, &m.EventsJSON, &m.UsageJSON, &created); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetRobots implements robots.Store. A missing domain returns (nil, nil).
func (d *DB) GetRobots(ctx context.Context, domain string) (*robots.CacheEntry, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT domain, raw_content, rules_json, crawl_delay, ai_blocked, fetched_at, next_check_at
		 FROM robots_txt_cache WHERE domain = ?`, domain)
	var e robots.CacheEntry
	var delay sql.NullFloat64
	var blocked int
	var fetched, next int64
	err := row.Scan(&e.Domain, &e.RawContent, &e.RulesJSON, &delay, &blocked, &fetched, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get robots")
	}
	if delay.Valid {
		e.CrawlDelay = &delay.Float64
	}
	e.AIBlocked = blocked != 0
	e.FetchedAt = time.Unix(fetched, 0).UTC()
	e.NextCheckAt = time.Unix(next, 0).UTC()
	return &e, nil
}

// UpsertRobots implements robots.Store.
func (d *DB) UpsertRobots(ctx context.Context, e *robots.CacheEntry) error {
	var delay any
	if e.CrawlDelay != nil {
		delay = *e.CrawlDelay
	}
	blocked := 0
	if e.AIBlocked {
		blocked = 1
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO robots_txt_cache (id, domain, raw_content, rules_json, crawl_delay, ai_blocked, fetched_at, next_check_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (domain) DO UPDATE SET
			raw_content = excluded.raw_content,
			rules_json = excluded.rules_json,
			crawl_delay = excluded.crawl_delay,
			ai_blocked = excluded.ai_blocked,
			fetched_at = excluded.fetched_at,
			next_check_at = excluded.next_check_at`,
		uuid.NewString(), e.Domain, e.RawContent, e.RulesJSON, delay, blocked,
		e.FetchedAt.Unix(), e.NextCheckAt.Unix())
	return errors.Wrap(err, "upsert robots")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var created, updated int64
	err := row.Scan(&s.ID, &s.UserID, &s.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan session")
	}
	s.CreatedAt = time.Unix(created, 0).UTC()
	s.UpdatedAt = time.Unix(updated, 0).UTC()
	return &s, nil
}
