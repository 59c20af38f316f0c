// Package sdk is the gomobile surface of the session client. Every exported
// method takes and returns only gomobile-friendly types.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bhandras/delight/mobile/internal/auth"
	"github.com/bhandras/delight/mobile/internal/config"
	"github.com/bhandras/delight/mobile/internal/controller"
	"github.com/bhandras/delight/mobile/internal/crypto"
	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
)

const (
	callTimeout = 15 * time.Second
	// tokenSkew rejects tokens about to expire at connect time.
	tokenSkew = 30 * time.Second
)

var (
	// ErrNotStarted is returned by session calls before Connect.
	ErrNotStarted = errors.New("client not connected; call Connect first")

	errPanicked = errors.New("internal error")
)

// Listener receives client events. Calls arrive one at a time, in order, on
// a goroutine owned by the client.
type Listener interface {
	// OnConnectionChanged reports the connection phase. retryInMillis is the
	// delay before the next attempt while reconnecting.
	OnConnectionChanged(phase string, attempt int, retryInMillis int64, lastError string)
	// OnUpdate carries one JSON-encoded update; kind is one of the Kind
	// constants.
	OnUpdate(sessionID string, kind string, updateJSON string)
	OnError(message string)
}

// Client is one session context for a mobile app.
type Client struct {
	dispatch *dispatcher

	// Fields below are only touched on the dispatcher goroutine.
	cfg      config.Config
	listener Listener
	ctl      *controller.Controller

	// newOptions builds controller options; tests replace it.
	newOptions func(cfg *config.Config, l controller.Listener) (controller.Options, error)
}

// NewClient returns a client for serverURL. State is kept in memory until
// SetHomeDir is called.
func NewClient(serverURL string) *Client {
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.Store = store.KindMemory
	return &Client{
		dispatch:   newDispatcher(64),
		cfg:        cfg,
		newOptions: controller.OptionsFromConfig,
	}
}

// SetServerURL changes the server. It applies on the next Connect.
func (c *Client) SetServerURL(serverURL string) {
	_ = c.dispatch.run(func() error {
		c.cfg.ServerURL = serverURL
		return nil
	})
}

// SetToken sets the bearer token used by the next Connect.
func (c *Client) SetToken(token string) {
	_ = c.dispatch.run(func() error {
		c.cfg.AuthToken = token
		return nil
	})
}

// SetHomeDir persists the last session id under dir.
func (c *Client) SetHomeDir(dir string) {
	_ = c.dispatch.run(func() error {
		c.cfg.DelightHome = dir
		c.cfg.Store = store.KindFile
		if dir == "" {
			c.cfg.Store = store.KindMemory
		}
		return nil
	})
}

// SetContextKey selects which conversation context's session id is
// persisted.
func (c *Client) SetContextKey(key string) {
	_ = c.dispatch.run(func() error {
		c.cfg.ContextKey = key
		return nil
	})
}

// SetTransport selects "websocket" or "socketio".
func (c *Client) SetTransport(kind string) error {
	if _, err := transport.New(transport.Kind(kind)); err != nil {
		return err
	}
	return c.dispatch.run(func() error {
		c.cfg.Transport = transport.Kind(kind)
		return nil
	})
}

// SetDataKeyBase64 sets the key for encrypted transcript content.
func (c *Client) SetDataKeyBase64(key string) error {
	if key != "" {
		if _, err := crypto.ParseKey(key); err != nil {
			return err
		}
	}
	return c.dispatch.run(func() error {
		c.cfg.DataKey = key
		return nil
	})
}

// SetAlwaysAllowScope selects "session" or "process".
func (c *Client) SetAlwaysAllowScope(scope string) error {
	if _, err := permission.ParseScope(scope); err != nil {
		return err
	}
	return c.dispatch.run(func() error {
		c.cfg.AlwaysAllowScope = scope
		return nil
	})
}

// SetLogLevel sets the process-wide log level.
func SetLogLevel(level string) error {
	l, err := logger.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(l)
	return nil
}

// SetListener registers the listener. It applies on the next Connect.
func (c *Client) SetListener(listener Listener) {
	_ = c.dispatch.run(func() error {
		c.listener = listener
		return nil
	})
}

// Connect attaches to sessionID, or to the remembered session when it is
// empty. The first call builds the session controller; later calls re-attach
// on the existing one.
func (c *Client) Connect(sessionID string) error {
	return c.dispatch.run(func() error {
		if c.ctl == nil {
			if err := c.start(); err != nil {
				return err
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		return c.ctl.Attach(ctx, sessionID)
	})
}

func (c *Client) start() error {
	if err := auth.Check(c.cfg.AuthToken, time.Now(), tokenSkew); err != nil {
		return err
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	cfg := c.cfg
	opts, err := c.newOptions(&cfg, &listenerAdapter{l: c.listener})
	if err != nil {
		return err
	}
	ctl, err := controller.New(opts)
	if err != nil {
		if opts.Store != nil {
			_ = opts.Store.Close()
		}
		return err
	}
	ctl.Start()
	c.ctl = ctl
	return nil
}

// with runs fn against the controller on the dispatcher goroutine.
func (c *Client) with(fn func(ctx context.Context, ctl *controller.Controller) error) error {
	return c.dispatch.run(func() error {
		if c.ctl == nil {
			return ErrNotStarted
		}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		return fn(ctx, c.ctl)
	})
}

// SendMessageBuffer sends text on the active session and returns the local
// message id.
func (c *Client) SendMessageBuffer(text string) (*Buffer, error) {
	var localID string
	err := c.with(func(ctx context.Context, ctl *controller.Controller) error {
		var err error
		localID, err = ctl.SendMessage(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bufferOf(localID), nil
}

// SwitchSession makes sessionID the active session.
func (c *Client) SwitchSession(sessionID string) error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.SwitchSession(ctx, sessionID)
	})
}

// StartNewSession shows a fresh session; it is created by the next message.
func (c *Client) StartNewSession() error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.StartNewSession(ctx)
	})
}

// Allow approves the pending permission request.
func (c *Client) Allow(requestID string) error {
	return c.decide(requestID, permission.Allow())
}

// Deny rejects the pending permission request.
func (c *Client) Deny(requestID string) error {
	return c.decide(requestID, permission.Deny())
}

// AlwaysAllow approves the request and every later use of the same tool.
func (c *Client) AlwaysAllow(requestID string) error {
	return c.decide(requestID, permission.AlwaysAllow(""))
}

func (c *Client) decide(requestID string, d permission.Decision) error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.Decide(ctx, requestID, d)
	})
}

// AnswerQuestion answers the pending question.
func (c *Client) AnswerQuestion(questionID, answer string) error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.AnswerQuestion(ctx, questionID, answer)
	})
}

// SetModel selects the agent model.
func (c *Client) SetModel(model string) error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.SetModel(ctx, model)
	})
}

// SetPermissionMode selects the agent's approval mode.
func (c *Client) SetPermissionMode(mode string) error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.SetPermissionMode(ctx, mode)
	})
}

// Retry re-runs the last turn.
func (c *Client) Retry() error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.Retry(ctx)
	})
}

// OnForeground re-attaches after the app comes back to the foreground.
func (c *Client) OnForeground() error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.Reconnect(ctx)
	})
}

// LoadOlderHistory fetches the previous history page.
func (c *Client) LoadOlderHistory() error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.LoadOlderHistory(ctx)
	})
}

// Disconnect closes the channel until the next Connect.
func (c *Client) Disconnect() error {
	return c.with(func(ctx context.Context, ctl *controller.Controller) error {
		return ctl.Disconnect(ctx)
	})
}

// SnapshotBuffer returns the current view as JSON.
func (c *Client) SnapshotBuffer() (*Buffer, error) {
	var data []byte
	err := c.with(func(_ context.Context, ctl *controller.Controller) error {
		var err error
		data, err = json.Marshal(snapshotOf(ctl.Snapshot()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return bufferOfBytes(data), nil
}

// Close tears the session down. The client can Connect again afterwards.
func (c *Client) Close() error {
	return c.dispatch.run(func() error {
		if c.ctl == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		err := c.ctl.Close(ctx)
		c.ctl = nil
		return err
	})
}

type snapshotJSON struct {
	SessionID         string          `json:"sessionId"`
	Ephemeral         bool            `json:"ephemeral"`
	Phase             string          `json:"phase"`
	Attempt           int             `json:"attempt,omitempty"`
	LastError         string          `json:"lastError,omitempty"`
	History           []*turnJSON     `json:"history"`
	HistoryFor        string          `json:"historySessionId,omitempty"`
	HasMoreHistory    bool            `json:"hasMoreHistory"`
	HistoryLoading    bool            `json:"historyLoading"`
	Live              []*turnJSON     `json:"live"`
	Partial           *turnJSON       `json:"partial,omitempty"`
	PendingPermission *permissionJSON `json:"pendingPermission,omitempty"`
	PendingQuestion   any             `json:"pendingQuestion,omitempty"`
	AlwaysAllowed     []string        `json:"alwaysAllowed,omitempty"`
	Model             string          `json:"model,omitempty"`
	PermissionMode    string          `json:"permissionMode,omitempty"`
}

func snapshotOf(v controller.View) snapshotJSON {
	out := snapshotJSON{
		SessionID:      v.SessionID,
		Ephemeral:      v.Ephemeral,
		Phase:          string(v.Phase),
		Attempt:        v.Attempt,
		LastError:      v.LastError,
		History:        toTurnsJSON(v.History),
		HistoryFor:     v.HistoryFor,
		HasMoreHistory: v.HasMoreHistory,
		HistoryLoading: v.HistoryLoading,
		Live:           toTurnsJSON(v.Committed),
		Partial:        toTurnJSON(v.Partial),
		AlwaysAllowed:  v.AlwaysAllowed,
		Model:          v.Model,
		PermissionMode: v.PermissionMode,
	}
	if v.PendingPermission != nil {
		p := toPermissionJSON(*v.PendingPermission)
		out.PendingPermission = &p
	}
	if v.PendingQuestion != nil {
		out.PendingQuestion = v.PendingQuestion
	}
	return out
}

// listenerAdapter turns controller events into Listener calls.
type listenerAdapter struct {
	l Listener
}

func (a *listenerAdapter) HandleEvent(ev controller.Event) {
	if a.l == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logPanic(fmt.Sprintf("listener %T", ev), r)
		}
	}()

	switch e := ev.(type) {
	case controller.Connectivity:
		a.l.OnConnectionChanged(string(e.Phase), e.Attempt, e.NextDelay.Milliseconds(), e.Err)
	case controller.Failure:
		a.l.OnError(e.Err.Error())
	default:
		upd, ok := encodeEvent(ev)
		if !ok {
			logger.Warnf("sdk: no encoding for %T", ev)
			return
		}
		data, err := json.Marshal(upd.payload)
		if err != nil {
			logger.Errorf("sdk: encode %s: %v", upd.kind, err)
			a.l.OnError(fmt.Sprintf("encode %s: %v", upd.kind, err))
			return
		}
		a.l.OnUpdate(upd.sessionID, upd.kind, string(data))
	}
}

func logPanic(where string, value any) {
	logger.Errorf("GO PANIC: %s: %v\n%s", where, value, debug.Stack())
}
