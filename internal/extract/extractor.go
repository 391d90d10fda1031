package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zechsh/scan/internal/llm"
)

// maxExtractInput caps how much of a document is handed to the extraction
// model in one call.
const maxExtractInput = 200_000

const extractorSystemPrompt = "You are a document extraction assistant. " +
	"Given a document and a query, find and extract the sections that are " +
	"relevant to the query. Return the relevant portions verbatim, preserving " +
	"original formatting. If the document is an image, describe the relevant " +
	"content in detail. If nothing relevant is found, say so briefly."

// Extractor uses a small model to pull query-relevant content out of a
// document or image.
type Extractor struct {
	Client llm.ChatClient
	Model  string
}

// ExtractText returns the sections of text relevant to the query. Input
// beyond the cap is truncated before it reaches the model.
func (e *Extractor) ExtractText(ctx context.Context, text, query string) (string, error) {
	if len(text) > maxExtractInput {
		// Back up to a rune boundary so the cut never splits a character.
		cut := maxExtractInput
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	resp, err := e.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Query: %s\n\nDocument:\n%s", query, text)},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "extract text")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("extract text: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ExtractImage describes the parts of an image relevant to the query. The
// image is passed inline as a data URL.
func (e *Extractor) ExtractImage(ctx context.Context, data []byte, contentType, query string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
	resp, err := e.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractorSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("Query: %s\n\nDescribe the relevant content from this image:", query)},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
				},
			},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "extract image")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("extract image: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
