package scribe

import (
	"time"

	"github.com/bosley/interlog/session"
)

// ReplayJob represents a capture file queued for the worker pool
type ReplayJob struct {
	FilePath string
	Key      string
	Queued   time.Time
}

// ReplayResult is written next to a replayed capture and pushed to
// subscribers of the replayed key
type ReplayResult struct {
	File    string          `json:"file"`
	Skipped int             `json:"skipped"`
	Payload session.Payload `json:"payload"`
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Outgoing websocket message types.
const (
	MessageLines   = "lines"
	MessageFlushed = "flushed"
	MessageReplay  = "replay"
)

// CreateSessionRequest is the body of POST /api/sessions. Every field is
// optional.
type CreateSessionRequest struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"sessionId"`
	Categories []string `json:"categories"`
}

// ConfigureRequest is the body of PUT /api/sessions/{sessionID}/config.
type ConfigureRequest struct {
	SessionID  string   `json:"sessionId"`
	Categories []string `json:"categories"`
}

// ConfigureResponse reports whether segmentation is active.
type ConfigureResponse struct {
	ID    string `json:"id"`
	Armed bool   `json:"armed"`
}

// EventResponse acknowledges a delivered provider message.
type EventResponse struct {
	Type    string `json:"type"`
	Flushed bool   `json:"flushed"`
}

// FlushResponse carries the payload of a flushed session. First is set only
// on the call that produced it.
type FlushResponse struct {
	First   bool            `json:"first"`
	Payload session.Payload `json:"payload"`
}
