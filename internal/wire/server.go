package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is the envelope type of a server frame.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventStream            EventType = "stream"
	EventPermissionRequest EventType = "permission-request"
	EventQuestion          EventType = "question"
	EventSessionEvent      EventType = "session-event"
	EventStopped           EventType = "stopped"
	EventError             EventType = "error"
	EventQueued            EventType = "queued"
	EventPong              EventType = "pong"
)

// ServerEvent is the closed set of inbound events. Only the types in this file
// implement it.
type ServerEvent interface {
	EventType() EventType
	isServerEvent()
}

// Connected confirms which session the channel is attached to.
type Connected struct {
	SessionID string `json:"sessionId"`
}

// StreamContent carries one fragment of an agent turn.
type StreamContent struct {
	SessionID string
	TurnID    string
	Fragment  Fragment
}

// PermissionRequest asks the user to approve a tool invocation.
type PermissionRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// QuestionRequest asks the user a free-form or multiple-choice question.
type QuestionRequest struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionId,omitempty"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
}

// SessionAction is the lifecycle change reported by a SessionEvent.
type SessionAction string

const (
	SessionCreated SessionAction = "created"
	SessionUpdated SessionAction = "updated"
	SessionDeleted SessionAction = "deleted"
)

// SessionEvent reports a change to any session visible to the user.
type SessionEvent struct {
	Action    SessionAction `json:"action"`
	SessionID string        `json:"sessionId"`
	Title     string        `json:"title,omitempty"`
}

// Stopped ends the current agent turn.
type Stopped struct {
	SessionID string `json:"sessionId,omitempty"`
	TurnID    string `json:"turnId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorKind classifies server errors.
type ErrorKind string

const (
	ErrorSessionNotFound ErrorKind = "sessionNotFound"
	ErrorSessionInvalid  ErrorKind = "sessionInvalid"
	ErrorSessionExpired  ErrorKind = "sessionExpired"
	ErrorUnauthorized    ErrorKind = "unauthorized"
	ErrorRateLimited     ErrorKind = "rateLimited"
	ErrorInternal        ErrorKind = "internal"
)

// InvalidatesSession reports whether the error means the targeted session id
// can never be resumed.
func (k ErrorKind) InvalidatesSession() bool {
	switch k {
	case ErrorSessionNotFound, ErrorSessionInvalid, ErrorSessionExpired:
		return true
	default:
		return false
	}
}

// ServerError is the payload of an "error" frame.
type ServerError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}

// Queued reports that the last input is waiting behind other work.
type Queued struct {
	Position int `json:"position,omitempty"`
}

// Pong answers a Ping.
type Pong struct{}

func (Connected) EventType() EventType         { return EventConnected }
func (StreamContent) EventType() EventType     { return EventStream }
func (PermissionRequest) EventType() EventType { return EventPermissionRequest }
func (QuestionRequest) EventType() EventType   { return EventQuestion }
func (SessionEvent) EventType() EventType      { return EventSessionEvent }
func (Stopped) EventType() EventType           { return EventStopped }
func (ServerError) EventType() EventType       { return EventError }
func (Queued) EventType() EventType            { return EventQueued }
func (Pong) EventType() EventType              { return EventPong }

func (Connected) isServerEvent()         {}
func (StreamContent) isServerEvent()     {}
func (PermissionRequest) isServerEvent() {}
func (QuestionRequest) isServerEvent()   {}
func (SessionEvent) isServerEvent()      {}
func (Stopped) isServerEvent()           {}
func (ServerError) isServerEvent()       {}
func (Queued) isServerEvent()            {}
func (Pong) isServerEvent()              {}

// DecodeServerEvent decodes one inbound frame.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope decodes an already split envelope.
func DecodeEnvelope(env Envelope) (ServerEvent, error) {
	switch EventType(env.Type) {
	case EventConnected:
		var ev Connected
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.SessionID) == "" {
			return nil, fmt.Errorf("%w: connected without sessionId", ErrMalformed)
		}
		return ev, nil
	case EventStream:
		return decodeStream(env)
	case EventPermissionRequest:
		var ev PermissionRequest
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ID == "" || ev.ToolName == "" {
			return nil, fmt.Errorf("%w: permission-request needs id and toolName", ErrMalformed)
		}
		return ev, nil
	case EventQuestion:
		var ev QuestionRequest
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ID == "" {
			return nil, fmt.Errorf("%w: question without id", ErrMalformed)
		}
		return ev, nil
	case EventSessionEvent:
		var ev SessionEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		switch ev.Action {
		case SessionCreated, SessionUpdated, SessionDeleted:
		default:
			return nil, fmt.Errorf("%w: session-event action %q", ErrMalformed, ev.Action)
		}
		return ev, nil
	case EventStopped:
		var ev Stopped
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventError:
		var ev ServerError
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventQueued:
		var ev Queued
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventPong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
