// Package controller is the Session Controller: the single entry point a UI
// uses to attach to a session, send messages, switch sessions and answer
// permission requests.
//
// All session state lives in one actor. Public methods enqueue a command and
// wait for the reducer to accept or reject it; results of I/O come back as
// events through the same mailbox, so stale results are discarded at the
// moment they would be applied.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bhandras/delight/mobile/internal/actor"
	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/connection"
	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/resolver"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
	"github.com/bhandras/delight/mobile/internal/wire"
	"github.com/google/uuid"
)

// Options configures a Controller.
type Options struct {
	ServerURL string
	Token     string
	// SessionID is an explicit session to attach to on Attach("").
	SessionID string
	// ContextKey names the conversation context whose session id is
	// persisted. Defaults to "default".
	ContextKey string

	Policy            connection.Policy
	PermissionScope   permission.Scope
	PermissionTimeout time.Duration
	HistoryPageSize   int

	Dialer   transport.Dialer
	History  HistorySource
	Store    store.Store
	Clock    actor.Clock
	Listener Listener

	// Namespace seeds placeholder session ids. Zero picks a random one.
	Namespace uuid.UUID
}

// Controller owns one session context and its connection.
type Controller struct {
	opts    Options
	clock   actor.Clock
	runtime *Runtime
	actor   *actor.Actor[State]

	closeOnce sync.Once
	closeErr  error
}

// New builds a Controller. Call Start, then Attach.
func New(opts Options) (*Controller, error) {
	if opts.Dialer == nil {
		return nil, errors.New("controller: dialer is required")
	}
	if opts.ContextKey == "" {
		opts.ContextKey = "default"
	}
	if opts.Policy == (connection.Policy{}) {
		opts.Policy = connection.DefaultPolicy()
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 100
	}
	if opts.Namespace == uuid.Nil {
		opts.Namespace = uuid.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = actor.RealClock{}
	}

	rt := NewRuntime(opts.Dialer, transport.Endpoint{
		ServerURL: opts.ServerURL,
		Token:     opts.Token,
	}, opts.History, opts.Store, clock, opts.Listener)

	c := &Controller{opts: opts, clock: clock, runtime: rt}
	c.actor = actor.New(NewState(opts), Reduce, rt, actor.WithHooks(actor.Hooks[State]{
		OnPanic: func(recovered any) {
			logger.Errorf("controller: recovered panic: %v", recovered)
		},
	}))
	return c, nil
}

// NewState returns the initial state for opts.
func NewState(opts Options) State {
	return State{
		ContextKey: opts.ContextKey,
		Policy:     opts.Policy,
		PageSize:   opts.HistoryPageSize,
		Conn:       connection.State{Phase: connection.PhaseDisconnected},
		Resolver:   resolver.New(opts.Namespace),
		Permission: permission.New(opts.PermissionScope, opts.PermissionTimeout),
	}
}

// Start launches the actor loop.
func (c *Controller) Start() {
	c.actor.Start()
}

// Runtime returns the effect runtime.
func (c *Controller) Runtime() *Runtime { return c.runtime }

// Attach resolves which session to show and connects to it. An empty
// sessionID falls back to Options.SessionID, the last connected session and
// then the persisted one; with none of those a new session is started.
func (c *Controller) Attach(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		sessionID = c.opts.SessionID
	}
	var persisted string
	if c.opts.Store != nil {
		id, ok, err := c.opts.Store.Load(ctx, c.opts.ContextKey)
		if err != nil {
			logger.Warnf("controller: load persisted session id: %v", err)
		} else if ok {
			persisted = id
		}
	}
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdAttach{Explicit: sessionID, Persisted: persisted, Now: c.clock.Now(), Reply: reply}
	})
}

// SendMessage sends user input on the active session and returns the local
// id used to reconcile the echo.
func (c *Controller) SendMessage(ctx context.Context, text string, attachments ...wire.Attachment) (string, error) {
	localID := uuid.NewString()
	err := c.call(ctx, func(reply chan error) actor.Input {
		return cmdSendMessage{
			LocalID:     localID,
			Text:        text,
			Attachments: attachments,
			Now:         c.clock.Now(),
			Reply:       reply,
		}
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

// SwitchSession makes sessionID the active session.
func (c *Controller) SwitchSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdSwitchSession{SessionID: sessionID, Now: c.clock.Now(), Reply: reply}
	})
}

// StartNewSession switches to a fresh placeholder session.
func (c *Controller) StartNewSession(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdStartNewSession{Now: c.clock.Now(), Reply: reply}
	})
}

// Decide answers the pending permission request. An empty requestID means
// whichever request is pending.
func (c *Controller) Decide(ctx context.Context, requestID string, d permission.Decision) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdDecide{RequestID: requestID, Decision: d, Reply: reply}
	})
}

// AnswerQuestion answers the pending question.
func (c *Controller) AnswerQuestion(ctx context.Context, questionID, answer string) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdAnswerQuestion{QuestionID: questionID, Answer: answer, Reply: reply}
	})
}

// SetModel selects the agent model. It is re-sent after every reconnect.
func (c *Controller) SetModel(ctx context.Context, model string) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdSetModel{Model: model, Reply: reply}
	})
}

// SetPermissionMode selects the agent's approval mode. It is re-sent after
// every reconnect.
func (c *Controller) SetPermissionMode(ctx context.Context, mode string) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdSetPermissionMode{Mode: mode, Reply: reply}
	})
}

// Retry re-runs the last turn, or redials at once when disconnected.
func (c *Controller) Retry(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdRetry{Now: c.clock.Now(), Reply: reply}
	})
}

// Reconnect is called when the app returns to the foreground.
func (c *Controller) Reconnect(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdReconnect{Now: c.clock.Now(), Reply: reply}
	})
}

// LoadOlderHistory fetches the page before the visible history.
func (c *Controller) LoadOlderHistory(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdLoadOlder{Reply: reply}
	})
}

// Disconnect closes the channel without reconnecting.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) actor.Input {
		return cmdDisconnect{Reply: reply}
	})
}

// Close denies what is pending, closes the channel and stops the loop. The
// store and history source are closed too. Listener events already produced are delivered before
// Close returns.
func (c *Controller) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		err := c.call(ctx, func(reply chan error) actor.Input {
			return cmdClose{Reply: reply}
		})
		if errors.Is(err, ErrClosed) {
			err = nil
		}

		c.actor.Stop()
		c.runtime.Wait()

		if closer, ok := c.opts.History.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close history: %w", cerr)
			}
		}
		if c.opts.Store != nil {
			if cerr := c.opts.Store.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close store: %w", cerr)
			}
		}
		c.closeErr = err
	})
	return c.closeErr
}

// View is a read-only snapshot for rendering.
type View struct {
	SessionID string
	Ephemeral bool

	Phase     connection.Phase
	Attempt   int
	LastError string

	History        []assembler.Turn
	HistoryFor     string
	HasMoreHistory bool
	HistoryLoading bool
	HistoryError   string

	Committed []assembler.Turn
	Partial   *assembler.Turn

	PendingPermission *permission.Request
	PendingQuestion   *wire.QuestionRequest
	AlwaysAllowed     []string

	Model          string
	PermissionMode string
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	return ViewOf(c.actor.State())
}

// ViewOf renders a View from state.
func ViewOf(s State) View {
	v := View{
		SessionID:      s.ActiveSessionID,
		Ephemeral:      resolver.IsEphemeral(s.ActiveSessionID),
		Phase:          s.Conn.Phase,
		Attempt:        s.Conn.Reconnect.Attempt,
		LastError:      s.Conn.LastErr,
		History:        s.History.Turns,
		HistoryFor:     s.History.SessionID,
		HasMoreHistory: s.History.HasMore,
		HistoryLoading: s.History.Loading(),
		HistoryError:   s.History.Err,
		Committed:      s.Stream.Committed,
		AlwaysAllowed:  s.Permission.AlwaysAllowed(),
		Model:          s.Model,
		PermissionMode: s.PermissionMode,
	}
	if s.Stream.Partial != nil {
		p := *s.Stream.Partial
		v.Partial = &p
	}
	if s.Permission.Pending != nil {
		p := *s.Permission.Pending
		v.PendingPermission = &p
	}
	if s.PendingQuestion != nil {
		q := *s.PendingQuestion
		v.PendingQuestion = &q
	}
	return v
}

// call enqueues a command and waits for the reducer's answer.
func (c *Controller) call(ctx context.Context, build func(reply chan error) actor.Input) error {
	reply := make(chan error, 1)
	if err := c.actor.Enqueue(ctx, build(reply)); err != nil {
		if errors.Is(err, actor.ErrStopped) {
			return ErrClosed
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.actor.Done():
		return ErrClosed
	}
}
