package session

import (
	"fmt"
	"time"

	"github.com/bosley/interlog/capture"
	"github.com/bosley/interlog/clock"
)

// replayDrain is how long past the last record a replay keeps the clock
// running so pending timers resolve.
const replayDrain = 10 * time.Second

// ReplayRequest describes a captured session to replay. Captures carry their
// own session-config message; SessionID and Categories, when set, configure
// the session before the first record and take precedence over the captured
// values.
type ReplayRequest struct {
	Key        string
	SessionID  string
	Categories []string
	Records    []capture.Record
}

// Replay runs captured events through a fresh session on a manual clock
// that follows the capture timestamps, so timers fire as they did live. The
// session is flushed at the end if the capture has no call-end. Undecodable
// records are skipped and counted.
func Replay(req ReplayRequest, cfg Config, opts ...Option) (Payload, int, error) {
	if len(req.Records) == 0 {
		return Payload{}, 0, fmt.Errorf("capture %s has no records", req.Key)
	}

	clk := clock.NewManual(req.Records[0].Time)
	opts = append(append([]Option{}, opts...), WithClock(clk))
	s := New(req.Key, cfg, opts...)
	if req.SessionID != "" || len(req.Categories) > 0 {
		s.Configure(req.SessionID, req.Categories)
	}

	skipped := 0
	for _, rec := range req.Records {
		clk.Set(rec.Time)
		ev, err := Decode(rec.Event)
		if err != nil {
			skipped++
			continue
		}
		if ev.Type == EventConfigure {
			ev.Config = req.override(ev.Config)
		}
		s.Handle(ev)
		if s.Flushed() {
			break
		}
	}

	if !s.Flushed() {
		// Let pending boundaries and idle finalization play out.
		clk.Advance(cfg.Timing.MaxWait + cfg.Timing.IdleWindow + replayDrain)
	}
	return s.Close(), skipped, nil
}

func (req ReplayRequest) override(cm ConfigMessage) ConfigMessage {
	if req.SessionID != "" {
		cm.SessionID = req.SessionID
	}
	if len(req.Categories) > 0 {
		cm.Categories = req.Categories
	}
	return cm
}
