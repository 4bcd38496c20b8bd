package submit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/interlog/segment"
	"github.com/bosley/interlog/session"
	"github.com/bosley/interlog/transcript"
)

func samplePayload() session.Payload {
	id := "sess-1"
	return session.Payload{
		SessionID: &id,
		CategorySegments: []segment.Segment{{
			Category: "scalability",
			Messages: []transcript.Message{{Role: transcript.SpeakerHuman, Text: "cache it"}},
		}},
		FullTranscript: []transcript.Message{
			{Role: transcript.SpeakerAgent, Text: "How?"},
			{Role: transcript.SpeakerHuman, Text: "cache it"},
		},
	}
}

func TestHTTPSubmitter_PostsPayload(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(Config{URL: srv.URL, APIKey: "secret", Timeout: time.Second})
	require.NoError(t, sub.Submit(context.Background(), samplePayload()))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "sess-1", got["session_id"])
	segs := got["category_transcripts"].([]any)
	require.Len(t, segs, 1)
	first := segs[0].(map[string]any)
	assert.Equal(t, "scalability", first["category"])
	msgs := first["messages"].([]any)
	assert.Equal(t, map[string]any{"role": "user", "message": "cache it"}, msgs[0])
	assert.Len(t, got["total_transcript"], 2)
}

func TestHTTPSubmitter_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(Config{URL: srv.URL, RetryMax: 2})
	require.NoError(t, sub.Submit(context.Background(), samplePayload()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPSubmitter_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(Config{URL: srv.URL, RetryMax: 3})
	err := sub.Submit(context.Background(), samplePayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "bad payload")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLogSubmitter(t *testing.T) {
	assert.NoError(t, NewLogSubmitter(nil).Submit(context.Background(), session.Payload{}))
}
