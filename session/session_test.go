package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/interlog/capture"
	"github.com/bosley/interlog/clock"
	"github.com/bosley/interlog/segment"
	"github.com/bosley/interlog/transcript"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []Payload
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type memRecorder struct {
	mu  sync.Mutex
	raw []string
}

func (m *memRecorder) Record(_ string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(m.raw, string(raw))
	return nil
}

func mustDecode(t *testing.T, raw string) Event {
	t.Helper()
	ev, err := Decode([]byte(raw))
	require.NoError(t, err)
	return ev
}

func speech(role, text string, final bool) string {
	kind := "partial"
	if final {
		kind = "final"
	}
	b, _ := json.Marshal(map[string]string{
		"type":           "transcript",
		"role":           role,
		"transcript":     text,
		"transcriptType": kind,
	})
	return string(b)
}

func toolDone(name, category string) string {
	b, _ := json.Marshal(map[string]string{
		"type":            "tool.completed",
		"name":            name,
		"rubric_category": category,
	})
	return string(b)
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *clock.Manual, *fakeSubmitter) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sub := &fakeSubmitter{}
	opts = append([]Option{WithClock(clk), WithSubmitter(sub)}, opts...)
	return New("key-1", DefaultConfig(), opts...), clk, sub
}

func TestDecode(t *testing.T) {
	ev := mustDecode(t, speech("assistant", "Hello", true))
	assert.Equal(t, EventTranscript, ev.Type)
	assert.Equal(t, transcript.SpeakerAgent, ev.Speech.Role)
	assert.Equal(t, "Hello", ev.Speech.Text)
	assert.True(t, ev.Speech.IsFinal)

	ev = mustDecode(t, speech("user", "Hi", false))
	assert.Equal(t, transcript.SpeakerHuman, ev.Speech.Role)
	assert.False(t, ev.Speech.IsFinal)

	ev = mustDecode(t, toolDone("markCategoryDone", "scalability"))
	assert.Equal(t, EventToolCompleted, ev.Type)
	assert.Equal(t, "scalability", ev.Tool.Category)

	assert.Equal(t, EventCallStart, mustDecode(t, `{"type":"call-start"}`).Type)
	assert.Equal(t, EventCallEnd, mustDecode(t, `{"type":"call-end"}`).Type)
	assert.Equal(t, EventUnknown, mustDecode(t, `{"type":"volume-level","volume":0.3}`).Type)

	ev = mustDecode(t, `{"type":"session-config","sessionId":"s-9","categories":["a","b"]}`)
	assert.Equal(t, EventConfigure, ev.Type)
	assert.Equal(t, "s-9", ev.Config.SessionID)
	assert.Equal(t, []string{"a", "b"}, ev.Config.Categories)

	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestSession_DeepDiveEndToEnd(t *testing.T) {
	s, clk, sub := newTestSession(t)
	require.True(t, s.Configure("backend-42", []string{"scalability", "reliability"}))

	s.Handle(mustDecode(t, `{"type":"call-start"}`))
	s.Handle(mustDecode(t, speech("assistant", "How would you scale writes?", true)))
	clk.Advance(300 * time.Millisecond)
	s.Handle(mustDecode(t, speech("user", "Shard", false)))
	s.Handle(mustDecode(t, speech("user", "Shard by tenant.", true)))
	s.Handle(mustDecode(t, toolDone("markCategoryDone", "scalability")))
	clk.Advance(1500 * time.Millisecond)
	require.Len(t, s.Segments(), 1)

	s.Handle(mustDecode(t, speech("assistant", "What if a shard fails?", true)))
	s.Handle(mustDecode(t, speech("user", "Replicas take over", false)))
	s.Handle(mustDecode(t, toolDone("endCall", "")))
	assert.Equal(t, segment.StateBuffering, s.SegmentationState(), "endCall never opens a boundary")

	s.Handle(mustDecode(t, `{"type":"call-end"}`))
	s.Wait()

	require.Equal(t, 1, sub.count())
	p := sub.payloads[0]
	require.NotNil(t, p.SessionID)
	assert.Equal(t, "backend-42", *p.SessionID)
	assert.Equal(t, []segment.Segment{
		{Category: "scalability", Messages: []transcript.Message{
			{Role: transcript.SpeakerAgent, Text: "How would you scale writes?"},
			{Role: transcript.SpeakerHuman, Text: "Shard by tenant."},
		}},
		{Category: "reliability", Messages: []transcript.Message{
			{Role: transcript.SpeakerAgent, Text: "What if a shard fails?"},
			{Role: transcript.SpeakerHuman, Text: "Replicas take over"},
		}},
	}, p.CategorySegments)
	assert.Len(t, p.FullTranscript, 4)
	assert.Equal(t, 0, clk.Pending(), "flush cancels every timer")
}

func TestSession_FlushIsIdempotent(t *testing.T) {
	s, _, sub := newTestSession(t)
	s.Configure("", []string{"scalability"})
	s.Handle(mustDecode(t, speech("user", "hello", true)))

	first, ok := s.Flush()
	require.True(t, ok)
	second, ok := s.Flush()
	assert.False(t, ok)
	assert.Equal(t, first, second)

	s.Handle(mustDecode(t, `{"type":"call-end"}`))
	third := s.Close()
	assert.Equal(t, first, third)

	assert.Equal(t, 1, sub.count())
	assert.Nil(t, first.SessionID)
	require.Len(t, first.CategorySegments, 1)
}

func TestSession_PendingBoundaryResolvedAtCallEnd(t *testing.T) {
	s, clk, sub := newTestSession(t)
	s.Configure("sid", []string{"scalability", "reliability"})

	s.Handle(mustDecode(t, speech("user", "last words", false)))
	s.Handle(mustDecode(t, toolDone("markCategoryDone", "reliability")))
	clk.Advance(200 * time.Millisecond)
	s.Handle(mustDecode(t, `{"type":"call-end"}`))
	s.Wait()

	require.Equal(t, 1, sub.count())
	segs := sub.payloads[0].CategorySegments
	require.Len(t, segs, 1)
	assert.Equal(t, "reliability", segs[0].Category)

	// Stale timers must not touch the flushed session.
	clk.Advance(time.Minute)
	assert.Equal(t, segs, s.Segments())
}

func TestSession_EventsAfterFlushIgnored(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.Handle(mustDecode(t, speech("assistant", "Bye", true)))
	s.Flush()

	s.Handle(mustDecode(t, speech("user", "wait", true)))
	assert.False(t, s.Configure("x", []string{"a"}))
	require.Len(t, s.Lines(), 1)
	assert.Equal(t, "Bye", s.Lines()[0].Text)
}

func TestSession_UnsegmentedSessionNotSubmittedByDefault(t *testing.T) {
	s, _, sub := newTestSession(t)
	s.Handle(mustDecode(t, speech("assistant", "Clarify the requirements.", true)))

	p := s.Close()
	assert.Equal(t, 0, sub.count())
	assert.Empty(t, p.CategorySegments)
	assert.NotNil(t, p.CategorySegments)
	assert.Len(t, p.FullTranscript, 1)

	clk := clock.NewManual(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.SubmitUnsegmented = true
	sub2 := &fakeSubmitter{}
	s2 := New("k2", cfg, WithClock(clk), WithSubmitter(sub2))
	s2.Close()
	assert.Equal(t, 1, sub2.count())
}

func TestSession_SubmitFailureIsNotRetried(t *testing.T) {
	s, _, sub := newTestSession(t)
	sub.err = errors.New("backend down")
	s.Configure("", []string{"a"})

	s.Close()
	_, ok := s.Flush()
	assert.False(t, ok)
	assert.Equal(t, 1, sub.count())
}

func TestSession_CallStartResetsLogs(t *testing.T) {
	var mu sync.Mutex
	var seen [][]transcript.Line
	s, _, _ := newTestSession(t, WithOnLines(func(_ string, lines []transcript.Line) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, lines)
	}))
	s.Configure("", []string{"a"})

	s.Handle(mustDecode(t, speech("assistant", "stale", true)))
	s.Handle(mustDecode(t, `{"type":"call-start"}`))

	assert.Empty(t, s.Lines())
	assert.Empty(t, s.Segments())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Len(t, seen[0], 1)
	assert.Empty(t, seen[1])
}

func TestSession_IdleFinalizationOnMainLog(t *testing.T) {
	s, clk, _ := newTestSession(t)
	s.Handle(mustDecode(t, speech("user", "so basically", false)))

	clk.Advance(2 * time.Second)
	lines := s.Lines()
	require.Len(t, lines, 1)
	assert.True(t, lines[0].IsFinal)
}

func TestSession_RecordsConfigAndEvents(t *testing.T) {
	rec := &memRecorder{}
	s, _, _ := newTestSession(t, WithRecorder(rec))
	s.Configure("sid", []string{"a"})
	s.Handle(mustDecode(t, `{"type":"call-start"}`))

	require.Len(t, rec.raw, 2)
	assert.JSONEq(t, `{"type":"session-config","sessionId":"sid","categories":["a"]}`, rec.raw[0])
	assert.JSONEq(t, `{"type":"call-start"}`, rec.raw[1])
}

func TestReplay(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }
	records := []capture.Record{
		{Time: at(0), Event: json.RawMessage(`{"type":"session-config","sessionId":"r-1","categories":["scalability","reliability"]}`)},
		{Time: at(0), Event: json.RawMessage(`{"type":"call-start"}`)},
		{Time: at(100), Event: json.RawMessage(speech("assistant", "Scale it.", true))},
		{Time: at(900), Event: json.RawMessage(speech("user", "With caches.", true))},
		{Time: at(1000), Event: json.RawMessage(toolDone("markCategoryDone", "scalability"))},
		{Time: at(1200), Event: json.RawMessage(`garbage`)},
		{Time: at(4000), Event: json.RawMessage(speech("assistant", "And failures?", true))},
		{Time: at(4500), Event: json.RawMessage(speech("user", "Retries", false))},
	}

	sub := &fakeSubmitter{}
	p, skipped, err := Replay(ReplayRequest{Key: "cap-1", Records: records}, DefaultConfig(), WithSubmitter(sub))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)

	require.NotNil(t, p.SessionID)
	assert.Equal(t, "r-1", *p.SessionID)
	require.Len(t, p.CategorySegments, 2)
	assert.Equal(t, "scalability", p.CategorySegments[0].Category)
	assert.Len(t, p.CategorySegments[0].Messages, 2)
	assert.Equal(t, "reliability", p.CategorySegments[1].Category)
	assert.Equal(t, "Retries", p.CategorySegments[1].Messages[1].Text)
	assert.Len(t, p.FullTranscript, 4)
	assert.Equal(t, 1, sub.count())

	_, _, err = Replay(ReplayRequest{Key: "empty"}, DefaultConfig())
	assert.Error(t, err)
}

func TestReplay_OverridesCapturedConfig(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }
	records := []capture.Record{
		{Time: at(0), Event: json.RawMessage(`{"type":"session-config","sessionId":"captured","categories":["scalability","reliability"]}`)},
		{Time: at(100), Event: json.RawMessage(speech("user", "Partition the data.", true))},
		{Time: at(200), Event: json.RawMessage(toolDone("markCategoryDone", ""))},
		{Time: at(3000), Event: json.RawMessage(speech("user", "Replicate it twice.", true))},
		{Time: at(3500), Event: json.RawMessage(`{"type":"call-end"}`)},
	}

	tests := []struct {
		name       string
		req        ReplayRequest
		wantID     string
		wantFirst  string
		wantSecond string
	}{
		{
			name:       "captured",
			req:        ReplayRequest{Key: "cap-2", Records: records},
			wantID:     "captured",
			wantFirst:  "scalability",
			wantSecond: "reliability",
		},
		{
			name:       "both overridden",
			req:        ReplayRequest{Key: "cap-2", SessionID: "override", Categories: []string{"architecture", "storage"}, Records: records},
			wantID:     "override",
			wantFirst:  "architecture",
			wantSecond: "storage",
		},
		{
			name:       "session id only",
			req:        ReplayRequest{Key: "cap-2", SessionID: "override", Records: records},
			wantID:     "override",
			wantFirst:  "scalability",
			wantSecond: "reliability",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, err := Replay(tt.req, DefaultConfig())
			require.NoError(t, err)
			require.NotNil(t, p.SessionID)
			assert.Equal(t, tt.wantID, *p.SessionID)
			require.Len(t, p.CategorySegments, 2)
			assert.Equal(t, tt.wantFirst, p.CategorySegments[0].Category)
			assert.Equal(t, tt.wantSecond, p.CategorySegments[1].Category)
		})
	}
}
