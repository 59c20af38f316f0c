package controller

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bhandras/delight/mobile/internal/actor"
	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/connection"
	"github.com/bhandras/delight/mobile/internal/history"
	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/resolver"
	"github.com/bhandras/delight/mobile/internal/wire"
)

// Reduce is the controller reducer. Every change to the session state goes
// through it, on the actor goroutine.
func Reduce(state State, input actor.Input) (State, []actor.Effect) {
	if state.Closed {
		return reduceClosed(state, input)
	}
	prev := state.Conn
	next, effects := reduce(state, input)
	if ev, ok := connectivityChange(prev, next.Conn); ok {
		effects = append([]actor.Effect{notify(ev)}, effects...)
	}
	return next, effects
}

func reduce(state State, input actor.Input) (State, []actor.Effect) {
	switch in := input.(type) {
	case cmdAttach:
		return reduceAttach(state, in)
	case cmdSendMessage:
		return reduceSendMessage(state, in)
	case cmdSwitchSession:
		return reduceSwitchSession(state, in)
	case cmdStartNewSession:
		var id string
		state.Resolver, id = resolver.Mint(state.Resolver)
		state, effects := activate(state, id, ReasonNew, in.Now)
		return state, withReply(effects, in.Reply, nil)
	case cmdDecide:
		return reduceDecide(state, in)
	case cmdAnswerQuestion:
		return reduceAnswerQuestion(state, in)
	case cmdSetModel:
		state.Model = in.Model
		return state, withReply(sendIfLive(state, wire.SetModel{Model: in.Model}), in.Reply, nil)
	case cmdSetPermissionMode:
		state.PermissionMode = in.Mode
		return state, withReply(sendIfLive(state, wire.SetPermissionMode{Mode: in.Mode}), in.Reply, nil)
	case cmdRetry:
		return reduceRetry(state, in)
	case cmdReconnect:
		return reduceReconnect(state, in)
	case cmdLoadOlder:
		return reduceLoadOlder(state, in)
	case cmdDisconnect:
		var effects []actor.Effect
		state.Conn, effects = connection.Disconnect(state.Conn)
		return state, withReply(effects, in.Reply, nil)
	case cmdClose:
		return reduceClose(state, in)

	case evDialed:
		return reduceDialed(state, in)
	case evClosed:
		var effects []actor.Effect
		state.Conn, effects = connection.OnClosed(state.Conn, state.Policy, in.Gen, in.Err, in.Now)
		return state, effects
	case evFrame:
		return reduceFrame(state, in)
	case actor.TimerFired:
		return reduceTimerFired(state, in)
	case evHistoryLoaded:
		return reduceHistoryLoaded(state, in)
	default:
		logger.Warnf("controller: unhandled input %T", input)
		return state, nil
	}
}

// reduceClosed answers commands with ErrClosed and closes channels that
// finish dialing after shutdown.
func reduceClosed(state State, input actor.Input) (State, []actor.Effect) {
	if ev, ok := input.(evDialed); ok && ev.Err == nil {
		return state, []actor.Effect{connection.CloseLink{Gen: ev.Gen}}
	}
	if ch := replyOf(input); ch != nil {
		return state, []actor.Effect{effCompleteReply{Reply: ch, Err: ErrClosed}}
	}
	return state, nil
}

func reduceAttach(state State, cmd cmdAttach) (State, []actor.Effect) {
	state.Persisted = cmd.Persisted
	var id string
	state.Resolver, id = resolver.Resolve(state.Resolver, resolver.Candidates{
		Explicit:      strings.TrimSpace(cmd.Explicit),
		LastConnected: state.Conn.LastConnectedID,
		Persisted:     cmd.Persisted,
	})
	state, effects := activate(state, id, ReasonAttached, cmd.Now)
	return state, withReply(effects, cmd.Reply, nil)
}

func reduceSwitchSession(state State, cmd cmdSwitchSession) (State, []actor.Effect) {
	id := strings.TrimSpace(cmd.SessionID)
	if id == "" {
		return state, withReply(nil, cmd.Reply, ErrEmptySessionID)
	}
	if state.Resolver.IsInvalid(id) {
		return state, withReply(nil, cmd.Reply, fmt.Errorf("%w: %s", ErrSessionInvalid, id))
	}
	state.Resolver, id = resolver.Resolve(state.Resolver, resolver.Candidates{Explicit: id})
	state, effects := activate(state, id, ReasonSwitched, cmd.Now)
	return state, withReply(effects, cmd.Reply, nil)
}

// activate makes id the active session. Leaving a session denies its pending
// permission, drops its question and stream, supersedes its history load and
// retargets the connection, all in this one step.
func activate(state State, id string, reason ChangeReason, now time.Time) (State, []actor.Effect) {
	target := resolver.ResumeTarget(id)
	if id == state.ActiveSessionID {
		var effects []actor.Effect
		state.Conn, effects = connection.Connect(state.Conn, target, now)
		return state, effects
	}

	state, effects := leaveSession(state)
	state.ActiveSessionID = id
	state.Resolver.Current = id
	effects = append(effects, notify(SessionChanged{
		SessionID: id,
		Ephemeral: resolver.IsEphemeral(id),
		Reason:    reason,
	}))

	var more []actor.Effect
	state, more = loadHistory(state, id)
	effects = append(effects, more...)

	state.Conn, more = connection.Connect(state.Conn, target, now)
	return state, append(effects, more...)
}

func leaveSession(state State) (State, []actor.Effect) {
	var out permission.Outcome
	state.Permission, out = permission.SwitchSession(state.Permission)
	effects := permissionEffects(state, out)
	state.PendingQuestion = nil
	state.Stream = assembler.Reset()
	return state, effects
}

// loadHistory supersedes any in-flight load. Placeholders have no history.
func loadHistory(state State, id string) (State, []actor.Effect) {
	var effects []actor.Effect
	if resolver.IsEphemeral(id) {
		var seq uint64
		state.History, seq = history.Cancel(state.History)
		if seq != 0 {
			effects = append(effects, effCancelFetch{Seq: seq})
		}
		state.History = history.Clear(state.History, id)
		return state, effects
	}

	var (
		req    history.Request
		cancel uint64
	)
	state.History, req, cancel = history.Load(state.History, id, state.PageSize, len(state.Stream.Committed))
	if cancel != 0 {
		effects = append(effects, effCancelFetch{Seq: cancel})
	}
	return state, append(effects, effFetchHistory{Request: req})
}

func reduceSendMessage(state State, cmd cmdSendMessage) (State, []actor.Effect) {
	if strings.TrimSpace(cmd.Text) == "" && len(cmd.Attachments) == 0 {
		return state, withReply(nil, cmd.Reply, ErrEmptyMessage)
	}
	effects, err := connection.Send(state.Conn, wire.Input{
		LocalID:     cmd.LocalID,
		SessionID:   resolver.ResumeTarget(state.ActiveSessionID),
		Text:        cmd.Text,
		Attachments: cmd.Attachments,
	})
	if err != nil {
		return state, withReply(nil, cmd.Reply, err)
	}

	var upd assembler.Update
	state.Stream, upd = assembler.AppendUser(state.Stream, assembler.Turn{
		ID:        cmd.LocalID,
		SessionID: state.ActiveSessionID,
		Fragments: []wire.Fragment{{Kind: wire.FragmentText, Text: cmd.Text}},
	})
	if upd.Committed != nil {
		effects = append(effects, notify(TurnUpdated{
			SessionID: state.ActiveSessionID,
			Committed: upd.Committed,
		}))
	}
	user := state.Stream.Committed[len(state.Stream.Committed)-1]
	effects = append(effects, notify(TurnUpdated{
		SessionID: state.ActiveSessionID,
		Committed: &user,
	}))
	return state, withReply(effects, cmd.Reply, nil)
}

func reduceDecide(state State, cmd cmdDecide) (State, []actor.Effect) {
	var (
		out permission.Outcome
		err error
	)
	state.Permission, out, err = permission.Decide(state.Permission, cmd.RequestID, cmd.Decision)
	if err != nil {
		return state, withReply(nil, cmd.Reply, err)
	}
	return state, withReply(permissionEffects(state, out), cmd.Reply, nil)
}

func reduceAnswerQuestion(state State, cmd cmdAnswerQuestion) (State, []actor.Effect) {
	q := state.PendingQuestion
	if q == nil || (cmd.QuestionID != "" && cmd.QuestionID != q.ID) {
		return state, withReply(nil, cmd.Reply, ErrNoPendingQuestion)
	}
	effects, err := connection.Send(state.Conn, wire.QuestionResponse{ID: q.ID, Answer: cmd.Answer})
	if err != nil {
		return state, withReply(nil, cmd.Reply, err)
	}
	state.PendingQuestion = nil
	return state, withReply(effects, cmd.Reply, nil)
}

func reduceRetry(state State, cmd cmdRetry) (State, []actor.Effect) {
	if state.Conn.Live() {
		effects, err := connection.Send(state.Conn, wire.Retry{})
		return state, withReply(effects, cmd.Reply, err)
	}
	var effects []actor.Effect
	state.Conn, effects = connection.Connect(state.Conn, resolver.ResumeTarget(state.ActiveSessionID), cmd.Now)
	return state, withReply(effects, cmd.Reply, nil)
}

// reduceReconnect re-attaches after the app returns to the foreground. A
// live channel is asked to re-attach in place; otherwise it is dialed.
func reduceReconnect(state State, cmd cmdReconnect) (State, []actor.Effect) {
	target := resolver.ResumeTarget(state.ActiveSessionID)
	if state.Conn.Live() && target != "" && target == state.Conn.LastConnectedID {
		effects, err := connection.Send(state.Conn, wire.Reconnect{SessionID: target})
		return state, withReply(effects, cmd.Reply, err)
	}
	var effects []actor.Effect
	state.Conn, effects = connection.Connect(state.Conn, target, cmd.Now)
	return state, withReply(effects, cmd.Reply, nil)
}

func reduceLoadOlder(state State, cmd cmdLoadOlder) (State, []actor.Effect) {
	var (
		req history.Request
		ok  bool
	)
	state.History, req, ok = history.LoadOlder(state.History, state.ActiveSessionID, state.PageSize, len(state.Stream.Committed))
	if !ok {
		return state, withReply(nil, cmd.Reply, ErrNoOlderHistory)
	}
	return state, withReply([]actor.Effect{effFetchHistory{Request: req}}, cmd.Reply, nil)
}

// reduceClose denies what is pending, stops the history load and closes the
// channel. Later commands get ErrClosed.
func reduceClose(state State, cmd cmdClose) (State, []actor.Effect) {
	state, effects := leaveSession(state)

	var seq uint64
	state.History, seq = history.Cancel(state.History)
	if seq != 0 {
		effects = append(effects, effCancelFetch{Seq: seq})
	}

	var more []actor.Effect
	state.Conn, more = connection.Disconnect(state.Conn)
	effects = append(effects, more...)
	effects = append(effects, actor.CancelTimer{Name: permission.TimerName})
	state.Closed = true
	return state, withReply(effects, cmd.Reply, nil)
}

func reduceDialed(state State, ev evDialed) (State, []actor.Effect) {
	current := ev.Gen == state.Conn.Gen
	var effects []actor.Effect
	state.Conn, effects = connection.OnDialed(state.Conn, state.Policy, ev.Gen, ev.Err, ev.Now)
	if current && ev.Err != nil && errors.Is(ev.Err, connection.ErrUnauthorized) {
		effects = append(effects, notify(Failure{Err: ev.Err}))
	}
	return state, effects
}

func reduceFrame(state State, ev evFrame) (State, []actor.Effect) {
	if ev.Gen != state.Conn.Gen || !state.Conn.Open {
		logger.Debugf("controller: dropping %s from stale channel gen=%d", ev.Event.EventType(), ev.Gen)
		return state, nil
	}

	switch e := ev.Event.(type) {
	case wire.Connected:
		return onConnected(state, ev.Gen, e, ev.Now)

	case wire.Pong:
		state.Conn = connection.OnPong(state.Conn)
		return state, nil

	case wire.StreamContent:
		if staleSession(state, e.SessionID) {
			return state, nil
		}
		return onStream(state, e)

	case wire.Stopped:
		if staleSession(state, e.SessionID) {
			return state, nil
		}
		state, effects := onStream(state, e)
		if len(effects) == 0 {
			return state, nil
		}
		return state, append(effects, notify(ServerEventReceived{Event: e}))

	case wire.PermissionRequest:
		if staleSession(state, e.SessionID) {
			return state, nil
		}
		var out permission.Outcome
		state.Permission, out = permission.Receive(state.Permission, e, ev.Now)
		return state, permissionEffects(state, out)

	case wire.QuestionRequest:
		if staleSession(state, e.SessionID) {
			return state, nil
		}
		q := e
		state.PendingQuestion = &q
		return state, []actor.Effect{notify(ServerEventReceived{Event: e})}

	case wire.SessionEvent:
		if e.Action == wire.SessionDeleted && e.SessionID != "" && e.SessionID == state.ActiveSessionID {
			return invalidate(state, e.SessionID, wire.ErrorSessionNotFound, ev.Now)
		}
		return state, []actor.Effect{notify(ServerEventReceived{Event: e})}

	case wire.ServerError:
		return onServerError(state, e, ev.Now)

	case wire.Queued:
		return state, []actor.Effect{
			notify(Notice{Level: NoticeInfo, Text: fmt.Sprintf("Queued at position %d.", e.Position)}),
			notify(ServerEventReceived{Event: e}),
		}

	default:
		logger.Warnf("controller: unexpected server event %T", ev.Event)
		return state, nil
	}
}

func staleSession(state State, sessionID string) bool {
	if sessionID == "" || sessionID == state.ActiveSessionID {
		return false
	}
	logger.Debugf("controller: dropping event for inactive session %s", sessionID)
	return true
}

func onStream(state State, ev wire.ServerEvent) (State, []actor.Effect) {
	var (
		upd assembler.Update
		ok  bool
	)
	state.Stream, upd, ok = assembler.Apply(state.Stream, ev)
	if !ok {
		return state, nil
	}
	return state, []actor.Effect{notify(TurnUpdated{
		SessionID: state.ActiveSessionID,
		Partial:   upd.Partial,
		Committed: upd.Committed,
	})}
}

// onConnected adopts the server-confirmed id. A placeholder turns into the
// real session; a redirect to another id loads that session's history; a
// reconnect to the same id reloads history to catch up on missed output.
func onConnected(state State, gen uint64, ev wire.Connected, now time.Time) (State, []actor.Effect) {
	reconnected := state.Conn.LastConnectedID == ev.SessionID

	var effects []actor.Effect
	state.Conn, effects = connection.OnConnected(state.Conn, state.Policy, gen, ev.SessionID, now)
	if !state.Conn.Live() {
		return state, effects
	}
	if state.Resolver.IsInvalid(ev.SessionID) {
		logger.Warnf("controller: server confirmed invalidated session %s", ev.SessionID)
	}

	effects = append(effects, sendIfLive(state, wire.SubscribeSessions{})...)
	if state.Model != "" {
		effects = append(effects, sendIfLive(state, wire.SetModel{Model: state.Model})...)
	}
	if state.PermissionMode != "" {
		effects = append(effects, sendIfLive(state, wire.SetPermissionMode{Mode: state.PermissionMode})...)
	}

	var more []actor.Effect
	switch prev := state.ActiveSessionID; {
	case ev.SessionID != prev && resolver.IsEphemeral(prev):
		state.ActiveSessionID = ev.SessionID
		state.Resolver.Current = ev.SessionID
		state.History = history.Clear(state.History, ev.SessionID)
		effects = append(effects, notify(SessionChanged{SessionID: ev.SessionID, Reason: ReasonConfirmed}))

	case ev.SessionID != prev:
		logger.Infof("controller: server moved session %s to %s", prev, ev.SessionID)
		state, more = leaveSession(state)
		effects = append(effects, more...)
		state.ActiveSessionID = ev.SessionID
		state.Resolver.Current = ev.SessionID
		effects = append(effects, notify(SessionChanged{SessionID: ev.SessionID, Reason: ReasonConfirmed}))
		state, more = loadHistory(state, ev.SessionID)
		effects = append(effects, more...)

	case reconnected:
		// Output missed while down comes back with the history reload, so
		// an open turn from the old channel would show up twice.
		var dropped bool
		state.Stream, dropped = assembler.Abandon(state.Stream)
		if dropped {
			effects = append(effects, notify(TurnUpdated{SessionID: ev.SessionID}))
		}
		state, more = loadHistory(state, ev.SessionID)
		effects = append(effects, more...)
	}

	if ev.SessionID != state.Persisted {
		state.Persisted = ev.SessionID
		effects = append(effects, effPersistSession{Key: state.ContextKey, SessionID: ev.SessionID})
	}
	return state, effects
}

func onServerError(state State, ev wire.ServerError, now time.Time) (State, []actor.Effect) {
	switch {
	case ev.Kind == wire.ErrorUnauthorized:
		err := fmt.Errorf("%w: %s", connection.ErrUnauthorized, ev.Message)
		var effects []actor.Effect
		state.Conn, effects = connection.OnAuthFailure(state.Conn, err)
		return state, append(effects, notify(Failure{Err: err}))

	case ev.Kind.InvalidatesSession():
		bad := ev.SessionID
		if bad == "" {
			bad = state.Conn.Target
		}
		if bad != state.Conn.Target && bad != state.ActiveSessionID {
			logger.Debugf("controller: ignoring %s for inactive session %s", ev.Kind, bad)
			return state, nil
		}
		return invalidate(state, bad, ev.Kind, now)

	case ev.Kind == wire.ErrorRateLimited:
		return state, []actor.Effect{notify(Notice{Level: NoticeWarn, Text: "Rate limited: " + ev.Message})}

	default:
		logger.Warnf("controller: server error %s: %s", ev.Kind, ev.Message)
		return state, []actor.Effect{notify(Failure{
			Err: fmt.Errorf("server error (%s): %s", ev.Kind, ev.Message),
		})}
	}
}

// invalidate retires a dead session in one step: the persisted id is
// cleared, the connection forgets it, the resolver mints a placeholder, the
// UI is reset, and a fresh connection is dialed. An invalidation while
// already dialing fresh is reported and not retried.
func invalidate(state State, bad string, kind wire.ErrorKind, now time.Time) (State, []actor.Effect) {
	if bad == "" || resolver.IsEphemeral(bad) {
		logger.Errorf("controller: %s while starting a new session; giving up", kind)
		return state, []actor.Effect{notify(Failure{Err: fmt.Errorf("%w: %s", ErrSessionInvalid, kind)})}
	}
	logger.Infof("controller: session %s is %s; starting a new session", bad, kind)

	state, effects := leaveSession(state)

	state.Persisted = ""
	effects = append(effects, effClearSession{Key: state.ContextKey})

	var more []actor.Effect
	state.Conn, more = connection.Forget(state.Conn, bad)
	effects = append(effects, more...)

	var fresh string
	state.Resolver, fresh = resolver.Invalidate(state.Resolver, bad)
	state.ActiveSessionID = fresh

	state, more = loadHistory(state, fresh)
	effects = append(effects, more...)
	effects = append(effects,
		notify(SessionReset{Invalid: bad, SessionID: fresh, Kind: kind}),
		notify(Notice{Level: NoticeInfo, Text: "That session is no longer available. Started a new one."}),
	)

	state.Conn, more = connection.Connect(state.Conn, "", now)
	return state, append(effects, more...)
}

func reduceTimerFired(state State, ev actor.TimerFired) (State, []actor.Effect) {
	var effects []actor.Effect
	switch ev.Name {
	case connection.TimerReconnect:
		state.Conn, effects = connection.OnRetryTimer(state.Conn, ev.Token, ev.Now)
	case connection.TimerPing:
		state.Conn, effects = connection.OnPingTimer(state.Conn, state.Policy, ev.Token, ev.Now)
	case permission.TimerName:
		var out permission.Outcome
		state.Permission, out = permission.OnTimeout(state.Permission, ev.Token)
		effects = permissionEffects(state, out)
	default:
		logger.Debugf("controller: unknown timer %s", ev.Name)
	}
	return state, effects
}

func reduceHistoryLoaded(state State, ev evHistoryLoaded) (State, []actor.Effect) {
	var (
		req     history.Request
		applied bool
	)
	state.History, req, applied = history.Apply(state.History, ev.Result, state.ActiveSessionID)
	if !applied {
		return state, nil
	}
	if ev.Result.Err != nil {
		effects := []actor.Effect{notify(HistoryFailed{
			SessionID: ev.Result.SessionID,
			Err:       ev.Result.Err.Error(),
		})}
		if errors.Is(ev.Result.Err, connection.ErrUnauthorized) {
			var more []actor.Effect
			state.Conn, more = connection.OnAuthFailure(state.Conn, ev.Result.Err)
			effects = append(effects, more...)
			effects = append(effects, notify(Failure{Err: ev.Result.Err}))
		}
		return state, effects
	}

	var effects []actor.Effect
	if !req.Older {
		var partialDropped bool
		state.Stream = assembler.DropCommitted(state.Stream, req.LiveTurns)
		state.Stream, partialDropped = assembler.Reconcile(state.Stream, ev.Result.Turns)
		if partialDropped {
			effects = append(effects, notify(TurnUpdated{SessionID: state.ActiveSessionID}))
		}
	}
	return state, append(effects, notify(HistoryUpdated{
		SessionID: state.History.SessionID,
		Turns:     state.History.Turns,
		HasMore:   state.History.HasMore,
		Older:     req.Older,
	}))
}

// permissionEffects turns a coordinator outcome into sends, timers and
// listener events.
func permissionEffects(state State, out permission.Outcome) []actor.Effect {
	var effects []actor.Effect
	if out.Respond != nil {
		sent, err := connection.Send(state.Conn, *out.Respond)
		if err != nil {
			logger.Warnf("controller: permission response %s not sent: %v", out.Respond.ID, err)
		}
		effects = append(effects, sent...)
	}
	if out.CancelTimer {
		effects = append(effects, actor.CancelTimer{Name: permission.TimerName})
	}
	if out.Resolved != nil {
		ev := PermissionResolved{Request: *out.Resolved}
		if out.Respond != nil {
			ev.Decision = out.Respond.Decision
			ev.Reason = out.Respond.Reason
		}
		effects = append(effects, notify(ev))
	}
	if out.Surface != nil {
		effects = append(effects, notify(PermissionRequested{Request: *out.Surface}))
	}
	if out.StartTimer {
		effects = append(effects, actor.StartTimer{
			Name:  permission.TimerName,
			Token: out.Token,
			After: state.Permission.Timeout,
		})
	}
	if out.Notice != "" {
		effects = append(effects, notify(Notice{Level: NoticeInfo, Text: out.Notice}))
	}
	return effects
}

// sendIfLive sends cmd when the channel is up. Settings sent this way are
// re-sent after the next Connected anyway.
func sendIfLive(state State, cmd wire.ClientCommand) []actor.Effect {
	effects, err := connection.Send(state.Conn, cmd)
	if err != nil {
		logger.Debugf("controller: deferring %s: %v", cmd.CommandType(), err)
		return nil
	}
	return effects
}

func connectivityChange(prev, next connection.State) (Connectivity, bool) {
	if prev.Phase == next.Phase && prev.Reconnect.Attempt == next.Reconnect.Attempt {
		return Connectivity{}, false
	}
	return Connectivity{
		Phase:     next.Phase,
		Attempt:   next.Reconnect.Attempt,
		NextDelay: next.Reconnect.NextDelay,
		Err:       next.LastErr,
	}, true
}

func notify(ev Event) actor.Effect {
	return effNotify{Event: ev}
}

func withReply(effects []actor.Effect, reply chan error, err error) []actor.Effect {
	if reply == nil {
		return effects
	}
	return append(effects, effCompleteReply{Reply: reply, Err: err})
}

func replyOf(input actor.Input) chan error {
	switch in := input.(type) {
	case cmdAttach:
		return in.Reply
	case cmdSendMessage:
		return in.Reply
	case cmdSwitchSession:
		return in.Reply
	case cmdStartNewSession:
		return in.Reply
	case cmdDecide:
		return in.Reply
	case cmdAnswerQuestion:
		return in.Reply
	case cmdSetModel:
		return in.Reply
	case cmdSetPermissionMode:
		return in.Reply
	case cmdRetry:
		return in.Reply
	case cmdReconnect:
		return in.Reply
	case cmdLoadOlder:
		return in.Reply
	case cmdDisconnect:
		return in.Reply
	case cmdClose:
		return in.Reply
	default:
		return nil
	}
}
