// Package assembler turns streamed fragments into agent Turns.
//
// State is a value. Apply never edits slices reachable from the state it was
// given, so a snapshot handed to a listener stays valid after later events.
package assembler

import (
	"fmt"

	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/wire"
)

// maxFinalized bounds how many finalized turn ids are remembered for
// duplicate suppression.
const maxFinalized = 256

// Turn is one agent response, or one user message in the live transcript.
type Turn struct {
	ID        string
	SessionID string
	Role      wire.Role
	Fragments []wire.Fragment
	Finalized bool
}

// Text concatenates the text fragments.
func (t Turn) Text() string {
	var out []byte
	for _, f := range t.Fragments {
		if f.Kind == wire.FragmentText {
			out = append(out, f.Text...)
		}
	}
	return string(out)
}

// State is the assembler for one session.
type State struct {
	// Partial is the turn being streamed, or nil.
	Partial *Turn
	// Committed holds finalized turns in commit order.
	Committed []Turn

	finalized []string
	seq       int
}

// Update describes what one event changed. At most one Update is produced
// per event.
type Update struct {
	// Partial is the partial view after the event; nil means there is none.
	Partial *Turn
	// Committed is set when a turn was finalized by this event. The partial
	// view was cleared in the same step.
	Committed *Turn
}

// Apply feeds one server event. Events other than StreamContent and Stopped
// are ignored. ok is false when nothing visible changed.
func Apply(s State, ev wire.ServerEvent) (next State, upd Update, ok bool) {
	switch ev := ev.(type) {
	case wire.StreamContent:
		return applyFragment(s, ev)
	case wire.Stopped:
		return applyStopped(s, ev)
	default:
		return s, Update{}, false
	}
}

func applyFragment(s State, ev wire.StreamContent) (State, Update, bool) {
	turnID := ev.TurnID
	if turnID == "" {
		if s.Partial != nil {
			turnID = s.Partial.ID
		} else {
			s.seq++
			turnID = fmt.Sprintf("turn-%d", s.seq)
		}
	}
	if s.isFinalized(turnID) {
		logger.Debugf("assembler: dropping %s fragment for finalized turn %s", ev.Fragment.Kind, turnID)
		return s, Update{}, false
	}

	if ev.Fragment.Kind == wire.FragmentState {
		if !ev.Fragment.IsTerminal() {
			return s, Update{}, false
		}
		if s.Partial == nil || s.Partial.ID != turnID {
			logger.Debugf("assembler: terminal state for unknown turn %s", turnID)
			return s, Update{}, false
		}
		return finalize(s)
	}

	var committed *Turn
	if s.Partial != nil && s.Partial.ID != turnID {
		// A new turn started without a stop signal for the open one.
		var upd Update
		s, upd, _ = finalize(s)
		committed = upd.Committed
	}

	var turn Turn
	if s.Partial != nil {
		turn = *s.Partial
	} else {
		turn = Turn{ID: turnID, SessionID: ev.SessionID, Role: wire.RoleAssistant}
	}
	turn.Fragments = appendFragment(turn.Fragments, ev.Fragment)
	s.Partial = &turn

	partial := turn
	return s, Update{Partial: &partial, Committed: committed}, true
}

// appendFragment returns a new slice. Consecutive text deltas, and likewise
// thinking deltas, extend the trailing fragment; any other kind closes it.
func appendFragment(frags []wire.Fragment, f wire.Fragment) []wire.Fragment {
	n := len(frags)
	out := make([]wire.Fragment, n, n+1)
	copy(out, frags)
	if n > 0 && mergeable(out[n-1].Kind) && out[n-1].Kind == f.Kind {
		out[n-1].Text += f.Text
		return out
	}
	return append(out, f)
}

func mergeable(kind wire.FragmentKind) bool {
	return kind == wire.FragmentText || kind == wire.FragmentThinking
}

func applyStopped(s State, ev wire.Stopped) (State, Update, bool) {
	if ev.TurnID != "" && s.isFinalized(ev.TurnID) {
		logger.Debugf("assembler: duplicate stop for turn %s", ev.TurnID)
		return s, Update{}, false
	}
	if s.Partial == nil {
		logger.Debugf("assembler: stop with no open turn (reason=%q)", ev.Reason)
		return s, Update{}, false
	}
	return finalize(s)
}

// finalize commits the partial turn and clears the partial view in one step.
func finalize(s State) (State, Update, bool) {
	if s.Partial == nil {
		return s, Update{}, false
	}
	turn := *s.Partial
	turn.Finalized = true

	committed := make([]Turn, len(s.Committed), len(s.Committed)+1)
	copy(committed, s.Committed)
	s.Committed = append(committed, turn)
	s.Partial = nil
	s.markFinalized(turn.ID)

	return s, Update{Committed: &turn}, true
}

// AppendUser records a user message in the live transcript. An open agent
// turn is committed first so the order on screen matches the order sent.
func AppendUser(s State, turn Turn) (State, Update) {
	var upd Update
	if s.Partial != nil {
		s, upd, _ = finalize(s)
	}
	turn.Role = wire.RoleUser
	turn.Finalized = true

	committed := make([]Turn, len(s.Committed), len(s.Committed)+1)
	copy(committed, s.Committed)
	s.Committed = append(committed, turn)
	return s, upd
}

// DropCommitted removes the first n committed turns. History that already
// contains them replaces them.
func DropCommitted(s State, n int) State {
	if n <= 0 {
		return s
	}
	if n >= len(s.Committed) {
		s.Committed = nil
		return s
	}
	rest := make([]Turn, len(s.Committed)-n)
	copy(rest, s.Committed[n:])
	s.Committed = rest
	return s
}

// Abandon drops the open turn without committing it. dropped is false when
// there was none. The id is not marked finalized, so the server may still
// continue that turn.
func Abandon(s State) (next State, dropped bool) {
	if s.Partial == nil {
		return s, false
	}
	logger.Debugf("assembler: abandoning open turn %s", s.Partial.ID)
	s.Partial = nil
	return s, true
}

// Reconcile removes live turns that a freshly loaded history already
// contains, matched by id. A matched open turn is dropped and marked
// finalized so its late fragments are ignored. partialDropped reports
// whether the open turn went away.
func Reconcile(s State, loaded []Turn) (next State, partialDropped bool) {
	if len(loaded) == 0 {
		return s, false
	}
	known := make(map[string]struct{}, len(loaded))
	for _, t := range loaded {
		if t.ID != "" {
			known[t.ID] = struct{}{}
		}
	}

	kept := make([]Turn, 0, len(s.Committed))
	for _, t := range s.Committed {
		if _, ok := known[t.ID]; ok {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) != len(s.Committed) {
		if len(kept) == 0 {
			kept = nil
		}
		s.Committed = kept
	}

	if s.Partial != nil {
		if _, ok := known[s.Partial.ID]; ok {
			s.markFinalized(s.Partial.ID)
			s.Partial = nil
			partialDropped = true
		}
	}
	return s, partialDropped
}

// Reset returns an empty assembler. Used when the active session changes.
func Reset() State {
	return State{}
}

func (s State) isFinalized(id string) bool {
	for _, f := range s.finalized {
		if f == id {
			return true
		}
	}
	return false
}

func (s *State) markFinalized(id string) {
	ids := s.finalized
	if len(ids) >= maxFinalized {
		ids = ids[len(ids)-maxFinalized+1:]
	}
	out := make([]string, len(ids), len(ids)+1)
	copy(out, ids)
	s.finalized = append(out, id)
}
