// Package agent forwards chat requests to the remote agent API and
// normalizes its responses.
package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ChatMessage is one entry of the client-side conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a decoded POST /api/agent body. Fields other than the ones the
// proxy understands are kept in Extra and forwarded untouched.
type Request struct {
	UserMessage string
	ChatHistory []ChatMessage
	Extra       map[string]json.RawMessage
}

var (
	errInvalidBody    = errors.New("invalid request body")
	errMissingMessage = errors.New("user_message is required")
)

// ParseRequest decodes and validates a request body.
func ParseRequest(body []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, errInvalidBody
	}

	req := &Request{Extra: fields}

	raw, ok := fields["user_message"]
	if !ok {
		return nil, errMissingMessage
	}
	if err := json.Unmarshal(raw, &req.UserMessage); err != nil || strings.TrimSpace(req.UserMessage) == "" {
		return nil, errMissingMessage
	}

	// A malformed history is ignored rather than rejected; it only adds context.
	if rawHistory, ok := fields["chat_history"]; ok {
		var history []ChatMessage
		if err := json.Unmarshal(rawHistory, &history); err == nil {
			req.ChatHistory = history
		}
	}

	return req, nil
}

// Payload builds the body forwarded to the agent. When history is present the
// last historyLimit messages are folded into user_message.
func (r *Request) Payload(historyLimit int) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.Extra))
	for k, v := range r.Extra {
		out[k] = v
	}

	message := r.UserMessage
	if len(r.ChatHistory) > 0 && historyLimit > 0 {
		message = contextualMessage(r.ChatHistory, r.UserMessage, historyLimit)
	}
	encoded, _ := json.Marshal(message)
	out["user_message"] = encoded
	return out
}

func contextualMessage(history []ChatMessage, question string, limit int) string {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	turns := make([]string, 0, len(history))
	for _, m := range history {
		speaker := "Assistant"
		if m.Role == "user" {
			speaker = "User"
		}
		turns = append(turns, speaker+": "+m.Content)
	}

	var b strings.Builder
	b.WriteString("Previous conversation context:\n")
	b.WriteString(strings.Join(turns, "\n\n"))
	b.WriteString("\n\nCurrent user question: ")
	b.WriteString(question)
	b.WriteString("\n\nPlease respond to the current question while considering the previous conversation context. ")
	b.WriteString("Provide a helpful and relevant response that builds upon our previous discussion.")
	return b.String()
}

// RawResponse is an agent reply before any interpretation of the body.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// OK reports a 2xx status.
func (r *RawResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// AuthRejected reports a 401 or 403.
func (r *RawResponse) AuthRejected() bool {
	return r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden
}
