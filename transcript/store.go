package transcript

import (
	"log/slog"
	"time"

	"github.com/bosley/interlog/clock"
)

// Store owns one conversation log, its committed-index table and the idle
// finalizer that guards it. A session runs two stores: the main log and the
// category buffer used during segmentation.
//
// Store is not safe for concurrent use. Its owner must serialize Apply,
// Reset and the clock's timer callbacks.
type Store struct {
	name      string
	clock     clock.Clock
	logger    *slog.Logger
	state     State
	finalizer *IdleFinalizer
	lastAt    time.Time
	onChange  func([]Line)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for debug traces.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithOnChange registers a hook called with a copy of the lines after every
// change, including idle finalization.
func WithOnChange(fn func([]Line)) StoreOption {
	return func(s *Store) { s.onChange = fn }
}

// NewStore creates an empty store. idleWindow <= 0 selects DefaultIdleWindow.
func NewStore(name string, c clock.Clock, idleWindow time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		name:   name,
		clock:  c,
		logger: slog.Default(),
		state:  State{Committed: make(map[Speaker]int)},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("store", name)
	s.finalizer = NewIdleFinalizer(c, idleWindow, s.finalizeIdle)
	return s
}

// Apply merges one speech event into the log. Events with no speaker, and
// events that leave the log unchanged such as empty partials, are dropped
// without counting as activity.
func (s *Store) Apply(ev Event) {
	if ev.Role == SpeakerUnknown {
		s.logger.Debug("Dropping transcript event without speaker")
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	next, changed := merge(s.state, ev)
	if !changed {
		s.logger.Debug("Dropping transcript event that changes nothing", "role", ev.Role.String())
		return
	}
	s.state = next
	s.lastAt = ev.At
	s.finalizer.Touch(ev.Role)
	s.notify()
}

// SetOnChange replaces the change hook.
func (s *Store) SetOnChange(fn func([]Line)) {
	s.onChange = fn
}

// Lines returns a copy of the log.
func (s *Store) Lines() []Line {
	out := make([]Line, len(s.state.Lines))
	copy(out, s.state.Lines)
	return out
}

// Messages returns the log as role/text pairs.
func (s *Store) Messages() []Message {
	return ToMessages(s.state.Lines)
}

// Len returns the number of lines.
func (s *Store) Len() int {
	return len(s.state.Lines)
}

// Last returns the most recent line.
func (s *Store) Last() (Line, bool) {
	if len(s.state.Lines) == 0 {
		return Line{}, false
	}
	return s.state.Lines[len(s.state.Lines)-1], true
}

// LastActivity returns when the last speech event was applied.
func (s *Store) LastActivity() time.Time {
	return s.lastAt
}

// Reset clears the log and cancels pending idle timers.
func (s *Store) Reset() {
	s.finalizer.CancelAll()
	s.state = State{Committed: make(map[Speaker]int)}
	s.lastAt = time.Time{}
	s.notify()
}

// CancelAll stops pending idle timers without touching the log.
func (s *Store) CancelAll() {
	s.finalizer.CancelAll()
}

func (s *Store) finalizeIdle(role Speaker) {
	next, changed := Finalize(s.state, role)
	if !changed {
		return
	}
	s.state = next
	s.logger.Debug("Finalized idle line", "role", role.String())
	s.notify()
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange(s.Lines())
	}
}
