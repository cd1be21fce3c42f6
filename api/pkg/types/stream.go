package types

import "time"

// StreamStatus is the lifecycle state of a generation session for an app.
// Idle is represented by the absence of the state record.
type StreamStatus string

const (
	StreamStatusIdle     StreamStatus = "idle"
	StreamStatusRunning  StreamStatus = "running"
	StreamStatusStopping StreamStatus = "stopping"
)

type StreamEvent string

const (
	StreamEventFinish StreamEvent = "finish"
	StreamEventError  StreamEvent = "error"
	StreamEventAbort  StreamEvent = "abort"
)

// StreamChunk is published for every piece of generated output so that any
// instance can relay a running stream.
type StreamChunk struct {
	AppID string `json:"app_id"`
	// Session is the token of the session that produced the chunk. Readers
	// use it to ignore a replaced session that exits late.
	Session   string    `json:"session,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Done      bool      `json:"done,omitempty"`
	Error     string    `json:"error,omitempty"`
	Created   time.Time `json:"created"`
}

type StreamStatusResponse struct {
	AppID  string       `json:"app_id"`
	Status StreamStatus `json:"status"`
	Locked bool         `json:"locked"`
}

type ChatMessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ChatMessage struct {
	ID    string            `json:"id"`
	Role  string            `json:"role"`
	Parts []ChatMessagePart `json:"parts"`
}

// Text returns the first text part of the message.
func (m *ChatMessage) Text() string {
	for _, part := range m.Parts {
		if part.Type == "text" {
			return part.Text
		}
	}
	return ""
}

// ChatRequest is the chat body. Whether the premade generator serves it is
// decided from the plan and the prompt, never from a client flag.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}
