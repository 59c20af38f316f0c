package controller

import (
	"time"

	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/connection"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/wire"
)

// Event is something the listener is told about. Events are delivered one at
// a time on a single goroutine, in the order they were produced.
type Event interface {
	isControllerEvent()
}

// Listener receives controller events.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

// HandleEvent implements Listener.
func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// ChangeReason says why the active session changed.
type ChangeReason string

const (
	ReasonAttached  ChangeReason = "attached"
	ReasonSwitched  ChangeReason = "switched"
	ReasonNew       ChangeReason = "new"
	ReasonConfirmed ChangeReason = "confirmed"
)

// NoticeLevel grades a Notice.
type NoticeLevel string

const (
	NoticeInfo NoticeLevel = "info"
	NoticeWarn NoticeLevel = "warn"
)

// Connectivity reports a connection phase change.
type Connectivity struct {
	Phase     connection.Phase
	Attempt   int
	NextDelay time.Duration
	Err       string
}

// SessionChanged reports a new active session.
type SessionChanged struct {
	SessionID string
	Ephemeral bool
	Reason    ChangeReason
}

// SessionReset tells the UI that Invalid is gone and the view now shows the
// fresh placeholder SessionID.
type SessionReset struct {
	Invalid   string
	SessionID string
	Kind      wire.ErrorKind
}

// TurnUpdated carries one assembler update. Committed, when set, was
// finalized in the same step that cleared the previous partial view.
type TurnUpdated struct {
	SessionID string
	Partial   *assembler.Turn
	Committed *assembler.Turn
}

// HistoryUpdated carries the visible history after a load was applied.
type HistoryUpdated struct {
	SessionID string
	Turns     []assembler.Turn
	HasMore   bool
	Older     bool
}

// HistoryFailed reports a load error. Visible history is unchanged.
type HistoryFailed struct {
	SessionID string
	Err       string
}

// PermissionRequested asks the user to decide.
type PermissionRequested struct {
	Request permission.Request
}

// PermissionResolved reports how a surfaced request ended.
type PermissionResolved struct {
	Request  permission.Request
	Decision wire.Decision
	Reason   string
}

// ServerEventReceived forwards a server event the controller does not
// consume itself.
type ServerEventReceived struct {
	Event wire.ServerEvent
}

// Notice is a one-line message for the user.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// Failure reports an error the user should see.
type Failure struct {
	Err error
}

func (Connectivity) isControllerEvent()        {}
func (SessionChanged) isControllerEvent()      {}
func (SessionReset) isControllerEvent()        {}
func (TurnUpdated) isControllerEvent()         {}
func (HistoryUpdated) isControllerEvent()      {}
func (HistoryFailed) isControllerEvent()       {}
func (PermissionRequested) isControllerEvent() {}
func (PermissionResolved) isControllerEvent()  {}
func (ServerEventReceived) isControllerEvent() {}
func (Notice) isControllerEvent()              {}
func (Failure) isControllerEvent()             {}
