// ABOUTME: Inbound message bodies as a closed set of accepted shapes.
// ABOUTME: Normalize reduces any accepted shape to one canonical content string.

package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Body is one of TextBody, ContentBody or RawBody.
type Body interface {
	body() string
}

// TextBody is an object carrying a "text" field.
type TextBody struct{ Text string }

// ContentBody is an object carrying a "content" field.
type ContentBody struct{ Content string }

// RawBody is a bare JSON string.
type RawBody string

func (b TextBody) body() string    { return b.Text }
func (b ContentBody) body() string { return b.Content }
func (b RawBody) body() string     { return string(b) }

// Normalize returns the canonical content of b. Empty or whitespace-only
// content is invalid.
func Normalize(b Body) (string, error) {
	if b == nil {
		return "", fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	content := b.body()
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	return content, nil
}

// ClientPayload is a decoded client "message" event.
type ClientPayload struct {
	Body            Body
	ChannelID       string
	AuthorID        string
	ClientMessageID string
	Metadata        map[string]any
}

type wirePayload struct {
	Text            json.RawMessage `json:"text"`
	Content         json.RawMessage `json:"content"`
	ChannelID       string          `json:"channelId"`
	AuthorID        string          `json:"authorId"`
	ID              string          `json:"id"`
	ClientMessageID string          `json:"clientMessageId"`
	Metadata        map[string]any  `json:"metadata"`
}

// DecodeClientPayload parses a message payload. A JSON string is a RawBody;
// an object contributes "text" in preference to "content", and either must
// be a string.
func DecodeClientPayload(raw json.RawMessage) (ClientPayload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ClientPayload{}, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ClientPayload{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return ClientPayload{Body: RawBody(s)}, nil
	}

	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return ClientPayload{}, fmt.Errorf("%w: payload must be a string or object", ErrInvalidMessage)
	}

	p := ClientPayload{
		ChannelID:       w.ChannelID,
		AuthorID:        w.AuthorID,
		ClientMessageID: w.ClientMessageID,
		Metadata:        w.Metadata,
	}
	if p.ClientMessageID == "" {
		p.ClientMessageID = w.ID
	}

	text, err := stringField("text", w.Text)
	if err != nil {
		return p, err
	}
	content, err := stringField("content", w.Content)
	if err != nil {
		return p, err
	}

	switch {
	case strings.TrimSpace(text) != "":
		p.Body = TextBody{Text: text}
	case strings.TrimSpace(content) != "":
		p.Body = ContentBody{Content: content}
	default:
		return p, fmt.Errorf("%w: one of text or content is required", ErrInvalidMessage)
	}
	return p, nil
}

func stringField(name string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidMessage, name)
	}
	return s, nil
}
