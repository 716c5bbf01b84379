package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantText string
		wantKind LineKind
	}{
		{"empty", "", "", LineEmpty},
		{"whitespace", "  \t", "", LineEmpty},
		{"delta", `{"delta":{"text":"Hello "}}`, "Hello ", LineDelta},
		{"envelope", `{"type":"stream_event","event":{"delta":{"text":"hi"}}}`, "hi", LineDelta},
		{"delta padded", `  {"delta":{"text":" x "}}  `, " x ", LineDelta},
		{"object without delta", `{"type":"result"}`, `{"type":"result"}`, LineObject},
		{"non-string delta", `{"delta":{"text":42}}`, `{"delta":{"text":42}}`, LineObject},
		{"broken json", `{"delta":`, `{"delta":`, LineRaw},
		{"plain", "  just text ", "just text", LineRaw},
		{"array", `["a"]`, `["a"]`, LineRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, kind := ParseLine(tt.line)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantText, text)
		})
	}
}
