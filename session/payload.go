package session

import (
	"slices"

	"github.com/bosley/interlog/segment"
	"github.com/bosley/interlog/transcript"
)

// Payload is the terminal artifact of a session, in the shape the
// evaluation backend accepts.
type Payload struct {
	SessionID        *string              `json:"session_id"`
	CategorySegments []segment.Segment    `json:"category_transcripts"`
	FullTranscript   []transcript.Message `json:"total_transcript"`
}

func newPayload(sessionID *string, segs []segment.Segment, full []transcript.Message) Payload {
	if segs == nil {
		segs = []segment.Segment{}
	}
	if full == nil {
		full = []transcript.Message{}
	}
	return Payload{SessionID: sessionID, CategorySegments: segs, FullTranscript: full}
}

func (p Payload) clone() Payload {
	out := Payload{
		CategorySegments: make([]segment.Segment, 0, len(p.CategorySegments)),
		FullTranscript:   slices.Clone(p.FullTranscript),
	}
	if p.SessionID != nil {
		id := *p.SessionID
		out.SessionID = &id
	}
	for _, seg := range p.CategorySegments {
		out.CategorySegments = append(out.CategorySegments, segment.Segment{
			Category: seg.Category,
			Messages: slices.Clone(seg.Messages),
		})
	}
	if out.FullTranscript == nil {
		out.FullTranscript = []transcript.Message{}
	}
	return out
}
