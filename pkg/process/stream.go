package process

import (
	"strings"

	"github.com/tidwall/gjson"
)

// LineKind classifies one line of agent output.
type LineKind int

const (
	// LineEmpty is a blank line and carries nothing.
	LineEmpty LineKind = iota
	// LineDelta is a JSON object with an incremental text field.
	LineDelta
	// LineObject is a JSON object without an incremental text field.
	LineObject
	// LineRaw is anything else.
	LineRaw
)

// deltaPaths are checked in order. The second one is the stream-event
// envelope emitted with partial messages enabled.
var deltaPaths = []string{"delta.text", "event.delta.text"}

// ParseLine extracts the streamed text carried by line. For LineDelta the
// text is the delta verbatim; for LineObject and LineRaw it is the trimmed
// line.
func ParseLine(line string) (string, LineKind) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", LineEmpty
	}

	if trimmed[0] != '{' || !gjson.Valid(trimmed) {
		return trimmed, LineRaw
	}

	for _, path := range deltaPaths {
		if r := gjson.Get(trimmed, path); r.Type == gjson.String {
			return r.Str, LineDelta
		}
	}

	return trimmed, LineObject
}
