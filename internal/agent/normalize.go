package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	sseMarker     = "data: {"
	sseDataPrefix = "data: "
	previewLimit  = 300
	ellipsis      = "..."
)

// ParseError means a response body was neither valid JSON nor a recoverable
// SSE stream.
type ParseError struct {
	Preview string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse agent response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Normalize decodes an agent response body into a single JSON value.
//
// Bodies containing "data: {" are treated as SSE: data frames are scanned
// from the latest to the earliest and the first that parses and is complete
// (agentExecutionComplete true, or non-empty outputs) wins. Without a
// complete frame the last data frame is used as is. Any other body must be
// one JSON document.
func Normalize(body string) (json.RawMessage, error) {
	if strings.Contains(body, sseMarker) {
		return normalizeSSE(body)
	}

	trimmed := bytes.TrimSpace([]byte(body))
	if !json.Valid(trimmed) {
		return nil, &ParseError{Preview: Preview(body, previewLimit), Err: fmt.Errorf("body is not valid JSON")}
	}
	return json.RawMessage(trimmed), nil
}

func normalizeSSE(body string) (json.RawMessage, error) {
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, sseMarker) {
			frames = append(frames, strings.TrimPrefix(line, sseDataPrefix))
		}
	}
	if len(frames) == 0 {
		return nil, &ParseError{Preview: Preview(body, previewLimit), Err: fmt.Errorf("no SSE data frames")}
	}

	for i := len(frames) - 1; i >= 0; i-- {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(frames[i]), &fields); err != nil {
			continue
		}
		if isComplete(fields) {
			return json.RawMessage(strings.TrimSpace(frames[i])), nil
		}
	}

	// Without a complete frame only the final one is used, even when an
	// earlier frame would parse.
	last := strings.TrimSpace(frames[len(frames)-1])
	if !json.Valid([]byte(last)) {
		return nil, &ParseError{Preview: Preview(body, previewLimit), Err: fmt.Errorf("last SSE frame is not valid JSON")}
	}
	return json.RawMessage(last), nil
}

// isComplete is the completion predicate for an SSE frame.
func isComplete(fields map[string]json.RawMessage) bool {
	if raw, ok := fields["agentExecutionComplete"]; ok {
		var done bool
		if json.Unmarshal(raw, &done) == nil && done {
			return true
		}
	}
	raw, ok := fields["outputs"]
	return ok && !isEmptyJSON(raw)
}

// isEmptyJSON treats null, false, 0, "", {} and [] as empty.
func isEmptyJSON(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case float64:
		return t == 0
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

// Preview bounds s to limit bytes without splitting a UTF-8 sequence.
func Preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
