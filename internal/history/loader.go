// Package history loads a session's persisted transcript.
//
// The Loader state is pure and lives inside the controller's actor state.
// Each load gets a sequence number; a result is applied only if its number is
// still current and its session is still the active one when it arrives.
package history

import (
	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/logger"
)

// Request is one fetch the runtime must perform.
type Request struct {
	Seq       uint64
	SessionID string
	Limit     int
	Offset    int
	// Older marks a pagination fetch whose turns are prepended.
	Older bool
	// LiveTurns is the number of live committed turns when the fetch was
	// issued. Those turns are already persisted, so they come back in the
	// result and are dropped from the live list on apply.
	LiveTurns int
}

// Result is the outcome of a Request.
type Result struct {
	Seq       uint64
	SessionID string
	Turns     []assembler.Turn
	// Lines is how many server lines the page covered, including lines
	// that were skipped. Zero means one line per turn.
	Lines   int
	HasMore bool
	Err     error
}

// consumed is the number of server lines the result accounts for.
func (r Result) consumed() int {
	if r.Lines < len(r.Turns) {
		return len(r.Turns)
	}
	return r.Lines
}

// State is the loader.
type State struct {
	Seq      uint64
	InFlight *Request

	// SessionID is the session the visible Turns belong to.
	SessionID string
	Turns     []assembler.Turn
	HasMore   bool
	// Lines counts the server lines behind Turns. It can exceed len(Turns)
	// when lines were skipped, and is the base offset for older pages.
	Lines int
	// Err is the latest load failure. Turns are left untouched.
	Err string
}

// Loading reports whether a fetch is in flight.
func (s State) Loading() bool { return s.InFlight != nil }

// Load supersedes any in-flight fetch and starts a fresh one for sessionID.
// cancel is the sequence of the fetch the runtime should abort, or 0.
func Load(s State, sessionID string, limit, liveTurns int) (next State, req Request, cancel uint64) {
	if s.InFlight != nil {
		cancel = s.InFlight.Seq
	}
	s.Seq++
	req = Request{
		Seq:       s.Seq,
		SessionID: sessionID,
		Limit:     limit,
		LiveTurns: liveTurns,
	}
	s.InFlight = &req
	return s, req, cancel
}

// LoadOlder starts fetching the page before the visible history. liveTurns
// is the number of turns committed live since the last load; the server
// already stores them, so they shift the offset. ok is false when a fetch is
// already running, nothing older exists, or the visible history belongs to a
// different session.
func LoadOlder(s State, sessionID string, limit, liveTurns int) (next State, req Request, ok bool) {
	if s.InFlight != nil || !s.HasMore || s.SessionID != sessionID {
		return s, Request{}, false
	}
	s.Seq++
	req = Request{
		Seq:       s.Seq,
		SessionID: sessionID,
		Limit:     limit,
		Offset:    s.Lines + liveTurns,
		Older:     true,
	}
	s.InFlight = &req
	return s, req, true
}

// Cancel forgets the in-flight fetch so its result is dropped. It returns the
// sequence to abort, or 0.
func Cancel(s State) (State, uint64) {
	if s.InFlight == nil {
		return s, 0
	}
	seq := s.InFlight.Seq
	s.Seq++
	s.InFlight = nil
	return s, seq
}

// Clear empties the visible history, for a brand new session.
func Clear(s State, sessionID string) State {
	s, _ = Cancel(s)
	s.SessionID = sessionID
	s.Turns = nil
	s.Lines = 0
	s.HasMore = false
	s.Err = ""
	return s
}

// Apply applies a result. applied is false for stale results, including
// results for a session that is no longer active. req is the request the
// result answers when applied.
func Apply(s State, res Result, active string) (next State, req Request, applied bool) {
	if s.InFlight == nil || res.Seq != s.Seq || res.Seq != s.InFlight.Seq {
		logger.Debugf("history: dropping stale result seq=%d session=%s", res.Seq, res.SessionID)
		return s, Request{}, false
	}
	req = *s.InFlight
	s.InFlight = nil
	if res.SessionID != active {
		logger.Debugf("history: dropping result for inactive session %s", res.SessionID)
		return s, Request{}, false
	}
	if res.Err != nil {
		logger.Warnf("history: load %s failed: %v", res.SessionID, res.Err)
		s.Err = res.Err.Error()
		return s, req, true
	}

	s.Err = ""
	s.HasMore = res.HasMore
	if req.Older && s.SessionID == res.SessionID {
		turns := make([]assembler.Turn, 0, len(res.Turns)+len(s.Turns))
		turns = append(turns, res.Turns...)
		s.Turns = append(turns, s.Turns...)
		s.Lines += res.consumed()
		return s, req, true
	}
	s.SessionID = res.SessionID
	s.Turns = append([]assembler.Turn(nil), res.Turns...)
	s.Lines = res.consumed()
	return s, req, true
}
