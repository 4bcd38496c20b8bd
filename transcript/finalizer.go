package transcript

import (
	"time"

	"github.com/bosley/interlog/clock"
)

// DefaultIdleWindow is how long a speaker may stay quiet before its open
// line is committed without an explicit final event.
const DefaultIdleWindow = 2000 * time.Millisecond

// IdleFinalizer keeps one quiet-period timer per speaker. Providers sometimes
// drop the terminal final event, and an open line would otherwise block the
// next utterance from the same speaker from merging correctly.
//
// IdleFinalizer is not safe for concurrent use; the owner serializes calls
// and timer callbacks.
type IdleFinalizer struct {
	clock  clock.Clock
	window time.Duration
	onIdle func(Speaker)

	timers map[Speaker]clock.Timer
	gen    map[Speaker]uint64
}

// NewIdleFinalizer returns a finalizer that calls onIdle for a speaker once
// window elapses without a Touch for it.
func NewIdleFinalizer(c clock.Clock, window time.Duration, onIdle func(Speaker)) *IdleFinalizer {
	if window <= 0 {
		window = DefaultIdleWindow
	}
	return &IdleFinalizer{
		clock:  c,
		window: window,
		onIdle: onIdle,
		timers: make(map[Speaker]clock.Timer),
		gen:    make(map[Speaker]uint64),
	}
}

// Touch re-arms the timer for role.
func (f *IdleFinalizer) Touch(role Speaker) {
	f.cancel(role)
	f.gen[role]++
	gen := f.gen[role]
	f.timers[role] = f.clock.AfterFunc(f.window, func() {
		// A Stop that loses the race with an already running callback must
		// not finalize on behalf of a newer Touch.
		if f.gen[role] != gen {
			return
		}
		delete(f.timers, role)
		if f.onIdle != nil {
			f.onIdle(role)
		}
	})
}

// Armed reports whether role has a pending timer.
func (f *IdleFinalizer) Armed(role Speaker) bool {
	_, ok := f.timers[role]
	return ok
}

// CancelAll stops every pending timer.
func (f *IdleFinalizer) CancelAll() {
	for role := range f.timers {
		f.cancel(role)
	}
}

func (f *IdleFinalizer) cancel(role Speaker) {
	if t, ok := f.timers[role]; ok {
		t.Stop()
		delete(f.timers, role)
	}
	f.gen[role]++
}
