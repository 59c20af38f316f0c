// Package permission coordinates tool-approval requests: at most one pending
// request, an always-allow memory, and a timeout that denies.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/wire"
)

// TimerName is the timer used for the pending request timeout.
const TimerName = "permission.timeout"

// DefaultTimeout is how long a request waits for a decision.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrNoPendingRequest is returned by Decide when nothing is pending.
	ErrNoPendingRequest = errors.New("no pending permission request")
	// ErrUnknownRequest is returned by Decide for an id that is not pending.
	ErrUnknownRequest = errors.New("unknown permission request")
)

// Scope says how long always-allow decisions are remembered.
type Scope string

const (
	// ScopeSession forgets always-allow on every session change.
	ScopeSession Scope = "session"
	// ScopeProcess keeps always-allow until the process exits.
	ScopeProcess Scope = "process"
)

// ParseScope parses a scope name. Empty means ScopeSession.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeSession:
		return ScopeSession, nil
	case ScopeProcess:
		return ScopeProcess, nil
	default:
		return "", fmt.Errorf("unknown always-allow scope %q", s)
	}
}

// Request is a pending tool approval.
type Request struct {
	ID         string
	SessionID  string
	ToolName   string
	Input      json.RawMessage
	ReceivedAt time.Time
}

// Decision is the user's answer.
type Decision struct {
	Kind wire.Decision
	// ToolName is remembered for always-allow. Defaults to the pending
	// request's tool.
	ToolName string
}

// Allow, Deny and AlwaysAllow build decisions.
func Allow() Decision { return Decision{Kind: wire.DecisionAllow} }

func Deny() Decision { return Decision{Kind: wire.DecisionDeny} }

func AlwaysAllow(tool string) Decision {
	return Decision{Kind: wire.DecisionAlwaysAllow, ToolName: tool}
}

// Outcome lists what the controller must do after a transition.
type Outcome struct {
	// Respond is the response to send, if any.
	Respond *wire.PermissionResponse
	// Surface is a request the user must now decide.
	Surface *Request
	// Resolved is the request that just left the pending state.
	Resolved *Request
	// StartTimer asks for the timeout timer with token Token.
	StartTimer bool
	// CancelTimer asks to stop the timeout timer.
	CancelTimer bool
	Token       uint64
	// Notice is a one-line message for the user.
	Notice string
}

// State is the coordinator.
type State struct {
	Scope   Scope
	Timeout time.Duration

	Pending *Request
	// Seq numbers pending requests; it is the timeout timer token.
	Seq uint64

	always []string
}

// New returns an idle coordinator.
func New(scope Scope, timeout time.Duration) State {
	if scope == "" {
		scope = ScopeSession
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return State{Scope: scope, Timeout: timeout}
}

// IsAlwaysAllowed reports whether tool was always-allowed.
func (s State) IsAlwaysAllowed(tool string) bool {
	for _, t := range s.always {
		if t == tool {
			return true
		}
	}
	return false
}

// AlwaysAllowed returns a copy of the remembered tool names.
func (s State) AlwaysAllowed() []string {
	return append([]string(nil), s.always...)
}

// Receive handles an inbound PermissionRequest.
func Receive(s State, req wire.PermissionRequest, now time.Time) (State, Outcome) {
	if s.IsAlwaysAllowed(req.ToolName) {
		logger.Debugf("permission: %s auto-allowed", req.ToolName)
		return s, Outcome{Respond: &wire.PermissionResponse{
			ID:       req.ID,
			Decision: wire.DecisionAllow,
			ToolName: req.ToolName,
		}}
	}

	if s.Pending != nil {
		logger.Errorf("permission: request %s (%s) while %s is pending; denying",
			req.ID, req.ToolName, s.Pending.ID)
		return s, Outcome{Respond: &wire.PermissionResponse{
			ID:       req.ID,
			Decision: wire.DecisionDeny,
			ToolName: req.ToolName,
			Reason:   "another permission request is pending",
		}}
	}

	s.Seq++
	pending := Request{
		ID:         req.ID,
		SessionID:  req.SessionID,
		ToolName:   req.ToolName,
		Input:      req.Input,
		ReceivedAt: now,
	}
	s.Pending = &pending
	surfaced := pending
	return s, Outcome{Surface: &surfaced, StartTimer: true, Token: s.Seq}
}

// Decide resolves the pending request. Only the first decision for a
// request is accepted.
func Decide(s State, id string, d Decision) (State, Outcome, error) {
	if s.Pending == nil {
		return s, Outcome{}, ErrNoPendingRequest
	}
	if id != "" && id != s.Pending.ID {
		return s, Outcome{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	req := *s.Pending
	resp := wire.PermissionResponse{ID: req.ID, Decision: d.Kind, ToolName: req.ToolName}
	switch d.Kind {
	case wire.DecisionAllow, wire.DecisionDeny:
	case wire.DecisionAlwaysAllow:
		tool := d.ToolName
		if tool == "" {
			tool = req.ToolName
		}
		resp.ToolName = tool
		s = remember(s, tool)
	default:
		return s, Outcome{}, fmt.Errorf("unknown decision %q", d.Kind)
	}

	s.Pending = nil
	return s, Outcome{Respond: &resp, Resolved: &req, CancelTimer: true}, nil
}

// OnTimeout denies the pending request if token still names it.
func OnTimeout(s State, token uint64) (State, Outcome) {
	if s.Pending == nil || token != s.Seq {
		return s, Outcome{}
	}
	req := *s.Pending
	s.Pending = nil
	logger.Infof("permission: %s (%s) timed out", req.ID, req.ToolName)
	return s, Outcome{
		Respond: &wire.PermissionResponse{
			ID:       req.ID,
			Decision: wire.DecisionDeny,
			ToolName: req.ToolName,
			Reason:   "timed out",
		},
		Resolved: &req,
		Notice:   fmt.Sprintf("Permission for %s timed out and was denied.", req.ToolName),
	}
}

// SwitchSession denies whatever is pending and, for session scope, forgets
// always-allow decisions.
func SwitchSession(s State) (State, Outcome) {
	var out Outcome
	if s.Pending != nil {
		req := *s.Pending
		s.Pending = nil
		out = Outcome{
			Respond: &wire.PermissionResponse{
				ID:       req.ID,
				Decision: wire.DecisionDeny,
				ToolName: req.ToolName,
				Reason:   "session changed",
			},
			Resolved:    &req,
			CancelTimer: true,
		}
	}
	if s.Scope == ScopeSession {
		s.always = nil
	}
	return s, out
}

func remember(s State, tool string) State {
	if s.IsAlwaysAllowed(tool) {
		return s
	}
	always := make([]string, len(s.always), len(s.always)+1)
	copy(always, s.always)
	s.always = append(always, tool)
	return s
}
