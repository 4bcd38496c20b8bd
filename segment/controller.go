// Package segment partitions deep-dive speech into per-category segments.
//
// Boundaries are signalled by tool completions, which arrive the moment the
// agent finishes its turn. Cutting over right away would file the end of the
// human's sentence under the wrong category, so a boundary is only confirmed
// once the category buffer has settled and stayed quiet, or once a ceiling
// has passed since the first signal.
package segment

import (
	"log/slog"
	"slices"
	"time"

	"github.com/bosley/interlog/clock"
	"github.com/bosley/interlog/transcript"
)

const (
	DefaultSilenceThreshold = 1300 * time.Millisecond
	DefaultMaxWait          = 3000 * time.Millisecond
)

// Config holds the controller's timing.
type Config struct {
	// Quiet period after the last category speech (or the last signal)
	// required before a boundary is confirmed.
	SilenceThreshold time.Duration

	// Upper bound from the first signal of a pending boundary to the cutover.
	MaxWait time.Duration

	// Idle window of the category buffer's finalizer.
	IdleWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = transcript.DefaultIdleWindow
	}
	return c
}

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StateCutoverPending
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateCutoverPending:
		return "cutover-pending"
	case StateFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Segment is the dialogue attributed to one rubric category.
type Segment struct {
	Category string               `json:"category"`
	Messages []transcript.Message `json:"messages"`
}

// Controller is the segmentation state machine. It owns the category buffer
// and the ordered segment list.
//
// Controller is not safe for concurrent use; the owner serializes calls and
// the clock's timer callbacks.
type Controller struct {
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger

	state    State
	order    []string
	index    int
	buffer   *transcript.Store
	segments []Segment

	pendingTarget string
	firstSignalAt time.Time
	lastSignalAt  time.Time
	timer         clock.Timer
	timerGen      uint64
}

// NewController returns an idle controller.
func NewController(c clock.Clock, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctl := &Controller{
		clock:  c,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "segment"),
	}
	ctl.buffer = transcript.NewStore("category", c, ctl.cfg.IdleWindow,
		transcript.WithLogger(logger),
		transcript.WithOnChange(func([]transcript.Line) { ctl.evaluate() }),
	)
	return ctl
}

// Arm starts segmentation with the given category order. An empty order
// leaves the controller idle. Arming an already armed controller replaces
// the order and restarts from its first category without discarding
// segments already taken.
func (c *Controller) Arm(categories []string) bool {
	if c.state == StateFlushed {
		return false
	}
	if len(categories) == 0 {
		c.logger.Warn("No categories configured, segmentation stays idle")
		return false
	}
	c.order = slices.Clone(categories)
	c.index = 0
	if c.state == StateIdle {
		c.buffer.Reset()
		c.segments = nil
		c.state = StateBuffering
	}
	c.logger.Info("Segmentation armed", "categories", c.order)
	return true
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Armed reports whether segmentation is or was active.
func (c *Controller) Armed() bool {
	return c.state == StateBuffering || c.state == StateCutoverPending ||
		(c.state == StateFlushed && c.order != nil)
}

// PendingCategory returns the target of a pending cutover.
func (c *Controller) PendingCategory() (string, bool) {
	return c.pendingTarget, c.state == StateCutoverPending
}

// Observe buffers a speech event for the current category.
func (c *Controller) Observe(ev transcript.Event) {
	if c.state != StateBuffering && c.state != StateCutoverPending {
		return
	}
	c.buffer.Apply(ev)
}

// Signal records a boundary for category, which may be empty when the
// provider did not name one. Repeated signals while a boundary is pending
// replace its target and restart the quiet period; the ceiling still counts
// from the first signal.
func (c *Controller) Signal(category string) {
	if c.state != StateBuffering && c.state != StateCutoverPending {
		c.logger.Debug("Ignoring boundary signal", "state", c.state.String(), "category", category)
		return
	}
	now := c.clock.Now()
	if c.state == StateBuffering {
		c.firstSignalAt = now
	}
	c.lastSignalAt = now
	c.pendingTarget = category
	c.state = StateCutoverPending
	c.logger.Debug("Boundary signalled", "category", category)
	c.evaluate()
}

// Reset drops the buffered speech and every segment taken so far and
// restarts from the first category. Used when a new call starts.
func (c *Controller) Reset() {
	if c.state != StateBuffering && c.state != StateCutoverPending {
		return
	}
	c.clearPending()
	c.state = StateBuffering
	c.buffer.Reset()
	c.segments = nil
	c.index = 0
}

// Finish ends segmentation. A pending boundary resolves immediately with its
// pending category, any remaining buffered speech becomes the last segment,
// and all timers are cancelled. Later calls return the same segments.
func (c *Controller) Finish() []Segment {
	if c.state == StateFlushed {
		return c.Segments()
	}
	if c.state != StateIdle {
		target := c.pendingTarget
		c.clearPending()
		c.state = StateFlushed
		c.commit(target)
	}
	c.state = StateFlushed
	c.buffer.CancelAll()
	c.logger.Debug("Segmentation finished", "segments", len(c.segments))
	return c.Segments()
}

// Segments returns a deep copy of the segments taken so far.
func (c *Controller) Segments() []Segment {
	out := make([]Segment, 0, len(c.segments))
	for _, seg := range c.segments {
		out = append(out, Segment{
			Category: seg.Category,
			Messages: slices.Clone(seg.Messages),
		})
	}
	return out
}

// Buffer returns the speech buffered for the current category.
func (c *Controller) Buffer() []transcript.Line {
	return c.buffer.Lines()
}

// CurrentCategory returns the category the buffer falls back to when a
// boundary names none.
func (c *Controller) CurrentCategory() string {
	return c.fallbackCategory()
}

func (c *Controller) evaluate() {
	if c.state != StateCutoverPending {
		return
	}
	now := c.clock.Now()

	ceiling := c.firstSignalAt.Add(c.cfg.MaxWait)
	if !now.Before(ceiling) {
		c.cutover("ceiling")
		return
	}

	quietSince := c.lastSignalAt
	if at := c.buffer.LastActivity(); at.After(quietSince) {
		quietSince = at
	}
	silentAt := quietSince.Add(c.cfg.SilenceThreshold)

	settled := true
	if last, ok := c.buffer.Last(); ok {
		settled = last.IsFinal
	}
	if settled && !now.Before(silentAt) {
		c.cutover("silence")
		return
	}

	// Without a settled line the silence rule can only be met after idle
	// finalization, which re-enters evaluate through the buffer hook.
	next := ceiling
	if now.Before(silentAt) && silentAt.Before(next) {
		next = silentAt
	}
	c.schedule(next.Sub(now))
}

func (c *Controller) schedule(d time.Duration) {
	c.stopTimer()
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(d, func() {
		if c.timerGen != gen {
			return
		}
		c.timer = nil
		c.evaluate()
	})
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Controller) clearPending() {
	c.stopTimer()
	c.pendingTarget = ""
	c.firstSignalAt = time.Time{}
	c.lastSignalAt = time.Time{}
}

func (c *Controller) cutover(reason string) {
	target := c.pendingTarget
	c.clearPending()
	c.state = StateBuffering
	c.logger.Debug("Cutover confirmed", "reason", reason, "category", target)
	c.commit(target)
	c.buffer.Reset()
}

// commit snapshots the buffer into a segment. A segment with the same
// category as the previous one is merged into it; providers have been seen
// to fire the same boundary tool twice.
func (c *Controller) commit(target string) {
	msgs := c.buffer.Messages()
	if len(msgs) == 0 {
		return
	}
	category := target
	if category == "" {
		category = c.fallbackCategory()
	}

	if n := len(c.segments); n > 0 && c.segments[n-1].Category == category {
		c.segments[n-1].Messages = append(c.segments[n-1].Messages, msgs...)
		c.logger.Info("Merged duplicate category segment", "category", category, "messages", len(msgs))
		return
	}

	c.segments = append(c.segments, Segment{Category: category, Messages: msgs})
	if pos := slices.Index(c.order, category); pos >= 0 {
		c.index = min(pos+1, len(c.order)-1)
	} else {
		c.logger.Warn("Boundary named an unknown category, keeping it as an extra segment",
			"category", category,
			"order", c.order)
	}
	c.logger.Info("Category segment recorded", "category", category, "messages", len(msgs))
}

func (c *Controller) fallbackCategory() string {
	if len(c.order) == 0 {
		return "unknown"
	}
	idx := min(max(c.index, 0), len(c.order)-1)
	return c.order[idx]
}
