package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bosley/interlog/segment"
	"github.com/bosley/interlog/transcript"
)

// EventType classifies a provider message.
type EventType int

const (
	EventUnknown EventType = iota
	EventTranscript
	EventToolCompleted
	EventCallStart
	EventCallEnd
	EventConfigure
)

func (t EventType) String() string {
	switch t {
	case EventTranscript:
		return "transcript"
	case EventToolCompleted:
		return "tool.completed"
	case EventCallStart:
		return "call-start"
	case EventCallEnd:
		return "call-end"
	case EventConfigure:
		return "session-config"
	default:
		return "unknown"
	}
}

// Event is a decoded provider message.
type Event struct {
	Type   EventType
	Speech transcript.Event
	Tool   segment.ToolCompletion
	Config ConfigMessage
	Raw    json.RawMessage
}

// ConfigMessage is the session-configuration call. It is not sent by the
// provider; sessions write it into captures so replays can re-arm
// segmentation.
type ConfigMessage struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"sessionId,omitempty"`
	Categories []string `json:"categories"`
}

// envelope is the provider's message shape for the fields the engine reads.
type envelope struct {
	Type           string   `json:"type"`
	Role           string   `json:"role"`
	Transcript     string   `json:"transcript"`
	TranscriptType string   `json:"transcriptType"`
	SessionID      string   `json:"sessionId"`
	Categories     []string `json:"categories"`
}

// Decode parses one provider message. Messages of a type the engine does not
// consume decode to EventUnknown without error.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("failed to decode provider message: %w", err)
	}

	ev := Event{Raw: json.RawMessage(raw)}
	switch strings.ToLower(env.Type) {
	case "transcript":
		ev.Type = EventTranscript
		ev.Speech = transcript.Event{
			Role:    transcript.ParseSpeaker(env.Role),
			Text:    env.Transcript,
			IsFinal: strings.EqualFold(env.TranscriptType, "final"),
		}
	case "tool.completed":
		ev.Type = EventToolCompleted
		ev.Tool = segment.ParseToolCompletion(raw)
	case "call-start":
		ev.Type = EventCallStart
	case "call-end":
		ev.Type = EventCallEnd
	case "session-config":
		ev.Type = EventConfigure
		ev.Config = ConfigMessage{Type: "session-config", SessionID: env.SessionID, Categories: env.Categories}
	default:
		ev.Type = EventUnknown
	}
	return ev, nil
}
