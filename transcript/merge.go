package transcript

import "strings"

// State is a conversation log together with the committed character index
// of each speaker's current utterance.
type State struct {
	Lines     []Line
	Committed map[Speaker]int
}

// Clone returns a copy of s that shares no mutable memory with it.
func (s State) Clone() State {
	out := State{
		Lines:     make([]Line, len(s.Lines)),
		Committed: make(map[Speaker]int, len(s.Committed)),
	}
	copy(out.Lines, s.Lines)
	for k, v := range s.Committed {
		out.Committed[k] = v
	}
	return out
}

// Merge folds one speech event into the log and returns the next state.
// The input state is not modified.
//
// Providers resend the whole utterance with corrections on every partial, so
// only the committed prefix of the last line is kept and the incoming text
// replaces everything after it.
func Merge(st State, ev Event) State {
	next, _ := merge(st, ev)
	return next
}

// merge is Merge that also reports whether the event changed the log.
// Unchanged results are st itself.
func merge(st State, ev Event) (State, bool) {
	text := strings.TrimSpace(ev.Text)
	if ev.Role == SpeakerUnknown {
		return st, false
	}

	lastIdx := len(st.Lines) - 1
	if lastIdx < 0 || st.Lines[lastIdx].Role != ev.Role {
		if text == "" {
			return st, false
		}
		next := st.Clone()
		if lastIdx >= 0 && !next.Lines[lastIdx].IsFinal {
			commitLine(&next, lastIdx)
		}
		line := Line{Role: ev.Role, Text: text, Timestamp: ev.At, IsFinal: ev.IsFinal}
		if ev.IsFinal {
			line.CommittedChars = len(text)
		}
		next.Lines = append(next.Lines, line)
		next.Committed[ev.Role] = line.CommittedChars
		return next, true
	}

	if text == "" {
		if !ev.IsFinal || st.Lines[lastIdx].IsFinal {
			return st, false
		}
		next := st.Clone()
		commitLine(&next, lastIdx)
		return next, true
	}

	next := st.Clone()
	last := next.Lines[lastIdx]
	base := committedIndex(next, last)
	stable := last.Text[:base]

	sep := ""
	if stable != "" && !strings.HasSuffix(stable, " ") {
		sep = " "
	}
	merged := strings.TrimSpace(stable + sep + text)

	last.Text = merged
	if ev.IsFinal {
		last.IsFinal = true
		last.CommittedChars = len(merged)
		next.Committed[ev.Role] = len(merged)
	} else {
		last.IsFinal = false
		last.CommittedChars = base
	}
	next.Lines[lastIdx] = last
	return next, true
}

// Finalize commits the whole text of role's line if it is the last line and
// still open. It reports whether anything changed.
func Finalize(st State, role Speaker) (State, bool) {
	lastIdx := len(st.Lines) - 1
	if lastIdx < 0 {
		return st, false
	}
	last := st.Lines[lastIdx]
	if last.Role != role || last.IsFinal {
		return st, false
	}
	next := st.Clone()
	commitLine(&next, lastIdx)
	return next, true
}

func commitLine(st *State, idx int) {
	l := st.Lines[idx]
	l.IsFinal = true
	l.CommittedChars = len(l.Text)
	st.Lines[idx] = l
	st.Committed[l.Role] = len(l.Text)
}

func committedIndex(st State, last Line) int {
	idx, ok := st.Committed[last.Role]
	if !ok || idx > len(last.Text) {
		return len(last.Text)
	}
	return idx
}
