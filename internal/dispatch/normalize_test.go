// ABOUTME: Tests for inbound body decoding and normalization.
// ABOUTME: Covers every accepted shape and the rejected ones.

package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		body    Body
		want    string
		wantErr bool
	}{
		{"text", TextBody{Text: "hi"}, "hi", false},
		{"content", ContentBody{Content: "hello"}, "hello", false},
		{"raw", RawBody("yo"), "yo", false},
		{"preserves whitespace", TextBody{Text: "  padded  "}, "  padded  ", false},
		{"empty text", TextBody{}, "", true},
		{"blank raw", RawBody("   "), "", true},
		{"nil", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeClientPayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ClientPayload
		wantErr bool
	}{
		{
			name: "raw string",
			raw:  `"hi"`,
			want: ClientPayload{Body: RawBody("hi")},
		},
		{
			name: "text object with routing fields",
			raw:  `{"text":"hi","channelId":"c1","authorId":"u1","id":"m1"}`,
			want: ClientPayload{Body: TextBody{Text: "hi"}, ChannelID: "c1", AuthorID: "u1", ClientMessageID: "m1"},
		},
		{
			name: "content object",
			raw:  `{"content":"hello","clientMessageId":"cm"}`,
			want: ClientPayload{Body: ContentBody{Content: "hello"}, ClientMessageID: "cm"},
		},
		{
			name: "text wins over content",
			raw:  `{"text":"a","content":"b"}`,
			want: ClientPayload{Body: TextBody{Text: "a"}},
		},
		{
			name: "blank text falls back to content",
			raw:  `{"text":"","content":"b"}`,
			want: ClientPayload{Body: ContentBody{Content: "b"}},
		},
		{
			name: "metadata kept",
			raw:  `{"text":"a","metadata":{"k":"v"}}`,
			want: ClientPayload{Body: TextBody{Text: "a"}, Metadata: map[string]any{"k": "v"}},
		},
		{name: "no text or content", raw: `{"channelId":"c1"}`, wantErr: true},
		{name: "content not a string", raw: `{"content":{"parts":[]}}`, wantErr: true},
		{name: "number", raw: `42`, wantErr: true},
		{name: "array", raw: `["hi"]`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientPayload(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, "invalid_message", Code(ErrInvalidMessage))
	assert.Equal(t, "not_found", Code(ErrNotFound))
	assert.Equal(t, "agent_timeout", Code(ErrAgentTimeout))
	assert.Equal(t, "transport_error", Code(ErrTransport))
	assert.Equal(t, "internal", Code(assert.AnError))
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRouted.Terminal())
}
