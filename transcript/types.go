// Package transcript reconciles partial and final speech-recognition events
// into a stable conversation log.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Speaker identifies who produced an utterance.
type Speaker int

const (
	SpeakerUnknown Speaker = iota
	SpeakerAgent
	SpeakerHuman
)

// ParseSpeaker maps a provider role onto a Speaker. Unrecognized roles map
// to SpeakerUnknown.
func ParseSpeaker(role string) Speaker {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "agent", "bot":
		return SpeakerAgent
	case "user", "human", "customer":
		return SpeakerHuman
	default:
		return SpeakerUnknown
	}
}

// String returns the provider's role name.
func (s Speaker) String() string {
	switch s {
	case SpeakerAgent:
		return "assistant"
	case SpeakerHuman:
		return "user"
	default:
		return "unknown"
	}
}

func (s Speaker) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Speaker) UnmarshalJSON(data []byte) error {
	var role string
	if err := json.Unmarshal(data, &role); err != nil {
		return fmt.Errorf("failed to decode speaker: %w", err)
	}
	*s = ParseSpeaker(role)
	return nil
}

// Line is one speaker turn in a conversation log. Text up to CommittedChars
// never changes once committed. CommittedChars is a byte offset into Text,
// not a rune count, so multi-byte text reports more than its character
// length.
type Line struct {
	Role           Speaker   `json:"role"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	IsFinal        bool      `json:"isFinal"`
	CommittedChars int       `json:"committedChars"`
}

// Committed returns the settled prefix of the line.
func (l Line) Committed() string {
	return l.Text[:l.CommittedChars]
}

// Pending returns the part of the line that may still change.
func (l Line) Pending() string {
	return l.Text[l.CommittedChars:]
}

// Message is a line stripped of timing and commit metadata.
type Message struct {
	Role Speaker `json:"role"`
	Text string  `json:"message"`
}

// Event is a single speech-recognition update.
type Event struct {
	Role    Speaker
	Text    string
	IsFinal bool
	At      time.Time
}

// ToMessages strips timing metadata from lines.
func ToMessages(lines []Line) []Message {
	msgs := make([]Message, 0, len(lines))
	for _, l := range lines {
		msgs = append(msgs, Message{Role: l.Role, Text: l.Text})
	}
	return msgs
}
