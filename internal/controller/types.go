package controller

import (
	"time"

	"github.com/bhandras/delight/mobile/internal/actor"
	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/connection"
	"github.com/bhandras/delight/mobile/internal/history"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/resolver"
	"github.com/bhandras/delight/mobile/internal/wire"
)

// State is the loop-owned state of one Controller.
type State struct {
	// ContextKey names the conversation context whose session id is
	// persisted.
	ContextKey string
	Policy     connection.Policy
	PageSize   int

	Conn       connection.State
	Resolver   resolver.State
	Stream     assembler.State
	Permission permission.State
	History    history.State

	// ActiveSessionID is the session the UI shows: a server id or a
	// placeholder.
	ActiveSessionID string
	// Persisted is the id last written to (or read from) the store.
	Persisted string

	PendingQuestion *wire.QuestionRequest
	Model           string
	PermissionMode  string

	Closed bool
}

// Inputs

// cmdAttach resolves the startup session and connects to it.
type cmdAttach struct {
	actor.InputBase
	Explicit  string
	Persisted string
	Now       time.Time
	Reply     chan error
}

// cmdSendMessage sends user input on the active session.
type cmdSendMessage struct {
	actor.InputBase
	LocalID     string
	Text        string
	Attachments []wire.Attachment
	Now         time.Time
	Reply       chan error
}

type cmdSwitchSession struct {
	actor.InputBase
	SessionID string
	Now       time.Time
	Reply     chan error
}

type cmdStartNewSession struct {
	actor.InputBase
	Now   time.Time
	Reply chan error
}

type cmdDecide struct {
	actor.InputBase
	RequestID string
	Decision  permission.Decision
	Reply     chan error
}

type cmdAnswerQuestion struct {
	actor.InputBase
	QuestionID string
	Answer     string
	Reply      chan error
}

type cmdSetModel struct {
	actor.InputBase
	Model string
	Reply chan error
}

type cmdSetPermissionMode struct {
	actor.InputBase
	Mode  string
	Reply chan error
}

// cmdRetry asks the agent to retry its last turn, or redials right away
// when the channel is down.
type cmdRetry struct {
	actor.InputBase
	Now   time.Time
	Reply chan error
}

// cmdReconnect is issued when the app returns to the foreground.
type cmdReconnect struct {
	actor.InputBase
	Now   time.Time
	Reply chan error
}

type cmdLoadOlder struct {
	actor.InputBase
	Reply chan error
}

type cmdDisconnect struct {
	actor.InputBase
	Reply chan error
}

type cmdClose struct {
	actor.InputBase
	Reply chan error
}

// Events emitted by the runtime.

type evDialed struct {
	actor.InputBase
	Gen uint64
	Err error
	Now time.Time
}

type evClosed struct {
	actor.InputBase
	Gen uint64
	Err error
	Now time.Time
}

// evFrame carries one decoded server event read on the channel for Gen.
type evFrame struct {
	actor.InputBase
	Gen   uint64
	Event wire.ServerEvent
	Now   time.Time
}

type evHistoryLoaded struct {
	actor.InputBase
	Result history.Result
}

// Effects

type effFetchHistory struct {
	actor.EffectBase
	Request history.Request
}

type effCancelFetch struct {
	actor.EffectBase
	Seq uint64
}

type effPersistSession struct {
	actor.EffectBase
	Key       string
	SessionID string
}

type effClearSession struct {
	actor.EffectBase
	Key string
}

// effNotify delivers an Event to the listener, in order.
type effNotify struct {
	actor.EffectBase
	Event Event
}

type effCompleteReply struct {
	actor.EffectBase
	Reply chan error
	Err   error
}
