// Package session wires the main transcript store and the segmentation
// controller of one interview session behind a single lock, and produces the
// terminal payload when the session ends.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/interlog/clock"
	"github.com/bosley/interlog/segment"
	"github.com/bosley/interlog/transcript"
)

const defaultSubmitTimeout = 30 * time.Second

// Config holds per-session behaviour shared by every session of a registry.
type Config struct {
	Timing segment.Config

	// Tools whose completion never marks a category boundary.
	ExcludedTools []string

	// Submit payloads of sessions that never armed segmentation.
	SubmitUnsegmented bool

	SubmitTimeout time.Duration
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		Timing: segment.Config{
			SilenceThreshold: segment.DefaultSilenceThreshold,
			MaxWait:          segment.DefaultMaxWait,
			IdleWindow:       transcript.DefaultIdleWindow,
		},
		ExcludedTools: segment.DefaultExcludedTools,
		SubmitTimeout: defaultSubmitTimeout,
	}
}

// Submitter hands a finished payload to the evaluation backend.
type Submitter interface {
	Submit(ctx context.Context, p Payload) error
}

// Recorder captures raw provider messages.
type Recorder interface {
	Record(key string, raw []byte) error
}

// Session reconciles one call's events. Every handler and every timer
// callback runs under the session lock, so no two mutations interleave.
type Session struct {
	key string
	cfg Config

	mu        sync.Mutex
	clock     clock.Clock
	logger    *slog.Logger
	main      *transcript.Store
	segments  *segment.Controller
	sessionID *string
	flushed   bool
	payload   Payload

	submitter Submitter
	recorder  Recorder
	onLines   func(key string, lines []transcript.Line)
	inflight  sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the time source. Defaults to the real clock.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithSubmitter sets the payload submission collaborator.
func WithSubmitter(sub Submitter) Option {
	return func(s *Session) { s.submitter = sub }
}

// WithRecorder captures every raw provider message handled by the session.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithOnLines registers a hook that receives the live main log after every
// change. The hook runs under the session lock and must not block.
func WithOnLines(fn func(key string, lines []transcript.Line)) Option {
	return func(s *Session) { s.onLines = fn }
}

// New creates a session identified by key.
func New(key string, cfg Config, opts ...Option) *Session {
	s := &Session{
		key:    key,
		cfg:    cfg,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ExcludedTools == nil {
		s.cfg.ExcludedTools = segment.DefaultExcludedTools
	}
	if s.cfg.SubmitTimeout <= 0 {
		s.cfg.SubmitTimeout = defaultSubmitTimeout
	}
	s.logger = s.logger.With("session", key)

	serial := &serialClock{s: s, inner: s.clock}
	s.main = transcript.NewStore("main", serial, cfg.Timing.IdleWindow,
		transcript.WithLogger(s.logger),
		transcript.WithOnChange(func(lines []transcript.Line) {
			if s.onLines != nil {
				s.onLines(s.key, lines)
			}
		}),
	)
	s.segments = segment.NewController(serial, cfg.Timing, s.logger)
	return s
}

// Key returns the registry key of the session.
func (s *Session) Key() string {
	return s.key
}

// Configure records the backend session id and arms segmentation with the
// given category order. It reports whether segmentation is active.
func (s *Session) Configure(sessionID string, categories []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushed {
		s.logger.Warn("Ignoring configuration for flushed session")
		return false
	}
	if s.recorder != nil {
		raw, err := json.Marshal(ConfigMessage{Type: "session-config", SessionID: sessionID, Categories: categories})
		if err == nil {
			s.record(raw)
		}
	}
	return s.configureLocked(sessionID, categories)
}

func (s *Session) configureLocked(sessionID string, categories []string) bool {
	if sessionID != "" {
		id := sessionID
		s.sessionID = &id
	}
	return s.segments.Arm(categories)
}

func (s *Session) record(raw []byte) {
	if err := s.recorder.Record(s.key, raw); err != nil {
		s.logger.Warn("Failed to capture event", "error", err)
	}
}

// Handle applies one provider event.
func (s *Session) Handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushed {
		s.logger.Debug("Dropping event for flushed session", "type", ev.Type.String())
		return
	}
	if s.recorder != nil && len(ev.Raw) > 0 {
		s.record(ev.Raw)
	}

	switch ev.Type {
	case EventTranscript:
		speech := ev.Speech
		if speech.Role == transcript.SpeakerUnknown {
			s.logger.Debug("Dropping transcript without a known role")
			return
		}
		if speech.At.IsZero() {
			speech.At = s.clock.Now()
		}
		s.main.Apply(speech)
		s.segments.Observe(speech)

	case EventToolCompleted:
		if ev.Tool.Ignored(s.cfg.ExcludedTools) {
			s.logger.Info("Ignoring administrative tool completion", "tool", ev.Tool.ToolName)
			return
		}
		s.logger.Debug("Tool completed", "tool", ev.Tool.ToolName, "category", ev.Tool.Category)
		s.segments.Signal(ev.Tool.Category)

	case EventCallStart:
		s.logger.Info("Call started")
		s.main.Reset()
		s.segments.Reset()

	case EventCallEnd:
		s.logger.Info("Call ended")
		s.flushLocked()

	case EventConfigure:
		s.configureLocked(ev.Config.SessionID, ev.Config.Categories)

	default:
		s.logger.Debug("Ignoring provider message")
	}
}

// Lines returns the live main log.
func (s *Session) Lines() []transcript.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.main.Lines()
}

// Segments returns the category segments recorded so far.
func (s *Session) Segments() []segment.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments.Segments()
}

// SegmentationState returns the controller's state.
func (s *Session) SegmentationState() segment.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments.State()
}

// Status summarizes a session for listings.
type Status struct {
	Key      string `json:"id"`
	State    string `json:"state"`
	Category string `json:"category,omitempty"`
	Lines    int    `json:"lines"`
	Flushed  bool   `json:"flushed"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Key:     s.key,
		State:   s.segments.State().String(),
		Lines:   s.main.Len(),
		Flushed: s.flushed,
	}
	if s.segments.Armed() {
		st.Category = s.segments.CurrentCategory()
	}
	return st
}

// Flushed reports whether the session has produced its payload.
func (s *Session) Flushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// Flush ends the session and returns its payload. Only the first call
// builds and submits the payload and returns true; later calls return the
// same payload and false.
func (s *Session) Flush() (Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close is the teardown path: it flushes if needed and waits for the
// submission to finish.
func (s *Session) Close() Payload {
	p, _ := s.Flush()
	s.Wait()
	return p
}

// Wait blocks until in-flight submissions return.
func (s *Session) Wait() {
	s.inflight.Wait()
}

func (s *Session) flushLocked() (Payload, bool) {
	if s.flushed {
		return s.payload.clone(), false
	}
	s.flushed = true
	s.main.CancelAll()

	segs := s.segments.Finish()
	p := newPayload(s.sessionID, segs, s.main.Messages())
	s.payload = p

	s.logger.Info("Session flushed",
		"segments", len(p.CategorySegments),
		"messages", len(p.FullTranscript))

	if s.submitter == nil {
		return p.clone(), true
	}
	if !s.segments.Armed() && !s.cfg.SubmitUnsegmented {
		s.logger.Debug("Skipping submission for unsegmented session")
		return p.clone(), true
	}

	s.inflight.Add(1)
	go s.submit(p.clone())
	return p.clone(), true
}

func (s *Session) submit(p Payload) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubmitTimeout)
	defer cancel()

	if err := s.submitter.Submit(ctx, p); err != nil {
		s.logger.Error("Failed to submit session payload", "error", err)
		return
	}
	s.logger.Info("Submitted session payload")
}

// serialClock runs timer callbacks under the session lock and drops them
// once the session has flushed.
type serialClock struct {
	s     *Session
	inner clock.Clock
}

func (c *serialClock) Now() time.Time {
	return c.inner.Now()
}

func (c *serialClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.inner.AfterFunc(d, func() {
		c.s.mu.Lock()
		defer c.s.mu.Unlock()
		if c.s.flushed {
			return
		}
		f()
	})
}
