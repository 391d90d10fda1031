// Package server exposes the HTTP surface: the smart-search entry point,
// chat sessions with an SSE research stream, history, and OpenSearch
// integration.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zechsh/scan/internal/agent"
	"github.com/zechsh/scan/internal/classify"
	"github.com/zechsh/scan/internal/store"
)

const (
	recentChatsLimit = 10
	historyPageSize  = 20
)

// Server wires the HTTP routes to the classifier, the research pipeline,
// and the store.
type Server struct {
	Store      *store.DB
	Classifier *classify.Classifier
	Pipeline   *agent.Pipeline
	PublicURL  string

	// ResolveUser extracts the requesting user's id. The default trusts the
	// X-User-ID header, which assumes an authenticating proxy in front.
	ResolveUser func(c echo.Context) string
}

func headerUser(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get("X-User-ID"))
}

// NewEcho builds the echo instance with all routes registered.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/", s.index)
	e.GET("/search", s.search)
	e.GET("/chat/:id", s.chatView)
	e.POST("/chat/:id/message", s.addMessage)
	e.GET("/chat/:id/stream", s.chatStream)
	e.GET("/chat/:id/export.pdf", s.exportPDF)
	e.GET("/history", s.history)
	e.GET("/opensearch.xml", s.opensearch)
	e.GET("/healthz", s.healthz)
	return e
}

func (s *Server) userID(c echo.Context) (string, error) {
	resolve := s.ResolveUser
	if resolve == nil {
		resolve = headerUser
	}
	uid := resolve(c)
	if uid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return uid, nil
}

func (s *Server) index(c echo.Context) error {
	uid, err := s.userID(c)
	if err != nil {
		return err
	}
	recent, err := s.Store.ListRecentSessions(c.Request().Context(), uid, recentChatsLimit, 0)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user_id":      uid,
		"recent_chats": sessionList(recent),
	})
}

var protoRe = regexp.MustCompile(`^https?://`)

// buildRedirectURL maps a non-research classification to its destination.
func buildRedirectURL(kind classify.Kind, query string) string {
	if kind == classify.KindURL {
		return "https://" + protoRe.ReplaceAllString(strings.TrimSpace(query), "")
	}
	return "https://www.google.com/search?q=" + url.QueryEscape(query)
}

func (s *Server) search(c echo.Context) error {
	uid, err := s.userID(c)
	if err != nil {
		return err
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return c.Redirect(http.StatusFound, "/")
	}

	kind, err := s.Classifier.Classify(c.Request().Context(), q)
	if err != nil {
		return err
	}
	wantsJSON := strings.Contains(c.Request().Header.Get("Accept"), "application/json")

	if kind == classify.KindResearch {
		sess, err := s.Store.CreateSession(c.Request().Context(), uid, q)
		if err != nil {
			return err
		}
		if _, err := s.Store.AppendMessage(c.Request().Context(), sess.ID, store.RoleUser, q, "", ""); err != nil {
			return err
		}
		chatURL := "/chat/" + sess.ID
		if wantsJSON {
			return c.JSON(http.StatusOK, map[string]any{"url": chatURL, "type": "research"})
		}
		return c.Redirect(http.StatusFound, chatURL)
	}

	dest := buildRedirectURL(kind, q)
	if wantsJSON {
		return c.JSON(http.StatusOK, map[string]any{"url": dest})
	}
	return c.Redirect(http.StatusFound, dest)
}

func (s *Server) chatView(c echo.Context) error {
	uid, err := s.userID(c)
	if err != nil {
		return err
	}
	sess, err := s.Store.GetSession(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return notFoundOr(err)
	}
	msgs, err := s.Store.ListMessages(c.Request().Context(), sess.ID)
	if err != nil {
		return err
	}
	recent, err := s.Store.ListRecentSessions(c.Request().Context(), uid, recentChatsLimit, 0)
	if err != nil {
		return err
	}
	needsStream := len(msgs) > 0 && msgs[len(msgs)-1].Role == store.RoleUser
	return c.JSON(http.StatusOK, map[string]any{
		"chat":         sess,
		"messages":     messageList(msgs),
		"needs_stream": needsStream,
		"recent_chats": sessionList(recent),
	})
}

func (s *Server) addMessage(c echo.Context) error {
	uid, err := s.userID(c)
	if err != nil {
		return err
	}
	sess, err := s.Store.GetSession(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return notFoundOr(err)
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	content := strings.TrimSpace(body.Content)
	if content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "empty message")
	}
	msg, err := s.Store.AppendMessage(c.Request().Context(), sess.ID, store.RoleUser, content, "", "")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"id": msg.ID, "content": content})
}

// chatStream runs the research pipeline for the session's pending user
// message and relays its events over SSE. The assistant's answer is
// persisted only when the run finishes; a dropped connection cancels the
// run and persists nothing.
func (s *Server) chatStream(c echo.Context) error {
	uid, err := s.userID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	sess, err := s.Store.GetSession(ctx, c.Param("id"), uid)
	if err != nil {
		return nil // empty stream, mirrors an unknown or foreign chat
	}
	msgs, err := s.Store.ListMessages(ctx, sess.ID)
	if err != nil {
		return nil
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != store.RoleUser {
		return nil
	}
	query := msgs[len(msgs)-1].Content
	var history []openai.ChatCompletionMessage
	for _, m := range msgs[:len(msgs)-1] {
		if m.Content != "" {
			history = append(history, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}
	}

	var answer strings.Builder
	var accumulated []map[string]any
	usage := map[string]any{}

	for ev := range s.Pipeline.Run(ctx, query, c.QueryParam("context"), history) {
		switch e := ev.(type) {
		case agent.StageEvent:
			accumulated = append(accumulated, map[string]any{"type": "stage", "stage": e.Stage})
			writeSSE(res, "stage", map[string]any{"stage": e.Stage})
		case agent.DetailEvent:
			stored := map[string]any{"type": "detail", "detail_type": e.Type}
			wire := map[string]any{"type": e.Type}
			for k, v := range e.Payload {
				stored[k] = v
				wire[k] = v
			}
			accumulated = append(accumulated, stored)
			writeSSE(res, "detail", wire)
			if e.Type == "usage" {
				usage = e.Payload
			}
		case agent.TextEvent:
			answer.WriteString(e.Text)
			writeSSE(res, "text", map[string]any{"text": e.Text})
		case agent.ClarificationEvent:
			accumulated = append(accumulated, map[string]any{"type": "clarification", "questions": e.Questions})
			writeSSE(res, "clarification", map[string]any{"questions": e.Questions})
		case agent.ErrorEvent:
			accumulated = append(accumulated, map[string]any{"type": "error", "error": e.Error})
			writeSSE(res, "error", map[string]any{"error": e.Error})
		case agent.DoneEvent:
			eventsJSON, _ := json.Marshal(accumulated)
			usageJSON, _ := json.Marshal(usage)
			_, err := s.Store.AppendMessage(ctx, sess.ID, store.RoleAssistant,
				answer.String(), string(eventsJSON), string(usageJSON))
			if err != nil {
				log.Error().Err(err).Str("chat", sess.ID).Msg("persist assistant message")
			}
			writeRawSSE(res, "done", "")
		}
	}
	return nil
}

func writeSSE(res *echo.Response, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	writeRawSSE(res, event, string(b))
}

func writeRawSSE(res *echo.Response, event, data string) {
	fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data)
	res.Flush()
}

func (s *Server) history(c echo.Context) error {
	uid, err := s.userID(c)
	if err != nil {
		return err
	}
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	ctx := c.Request().Context()
	total, err := s.Store.CountSessions(ctx, uid)
	if err != nil {
		return err
	}
	totalPages := (total + historyPageSize - 1) / historyPageSize
	if totalPages < 1 {
		totalPages = 1
	}
	chats, err := s.Store.ListRecentSessions(ctx, uid, historyPageSize, (page-1)*historyPageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"chats":       sessionList(chats),
		"page":        page,
		"total_pages": totalPages,
		"total":       total,
	})
}

func (s *Server) exportPDF(c echo.Context) error {
	uid, err := s.userID(c)
	if err != nil {
		return err
	}
	sess, err := s.Store.GetSession(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return notFoundOr(err)
	}
	msgs, err := s.Store.ListMessages(c.Request().Context(), sess.ID)
	if err != nil {
		return err
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/pdf")
	res.Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="scan-%s.pdf"`, sess.ID))
	return writeTranscriptPDF(res, sess, msgs)
}

const opensearchTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<OpenSearchDescription xmlns="http://a9.com/-/spec/opensearch/1.1/">
  <ShortName>Scan</ShortName>
  <Description>Smart search relay by zech.sh</Description>
  <Url type="text/html" method="get" template="%s/search?q={searchTerms}"/>
</OpenSearchDescription>`

func (s *Server) opensearch(c echo.Context) error {
	public := s.PublicURL
	if public == "" {
		public = "https://scan.zech.sh"
	}
	return c.Blob(http.StatusOK, "application/opensearchdescription+xml",
		[]byte(fmt.Sprintf(opensearchTemplate, strings.TrimRight(public, "/"))))
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func notFoundOr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return err
}

// sessionList keeps JSON responses as [] instead of null for empty slices.
func sessionList(in []store.Session) []store.Session {
	if in == nil {
		return []store.Session{}
	}
	return in
}

func messageList(in []store.Message) []store.Message {
	if in == nil {
		return []store.Message{}
	}
	return in
}
