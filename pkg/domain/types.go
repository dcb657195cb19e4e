package domain

import "time"

// Turn represents a single role-tagged message in a conversation transcript.
// The JSON field names match the Ollama chat wire format so transcripts can be
// marshaled into /api/chat payloads directly.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Exchange is an immutable audit record of one completed model call, either a
// session turn or a stateless query. It is never read back into session state.
type Exchange struct {
	ID          string        `json:"id"`
	ChatID      string        `json:"chat_id,omitempty"`
	Model       string        `json:"model"`
	Instruction string        `json:"instruction"`
	Reply       string        `json:"reply,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Timestamp   time.Time     `json:"timestamp"`
}
