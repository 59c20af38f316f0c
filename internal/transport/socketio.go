package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

// Socket.IO event names. Both carry one envelope object.
const (
	socketEventInbound  = "event"
	socketEventOutbound = "command"
)

// SocketIODialer connects through Socket.IO for deployments that sit behind
// the same gateway as the desktop CLI.
type SocketIODialer struct{}

// Dial implements Dialer. It returns once the socket reports connect or
// connect_error.
func (d *SocketIODialer) Dial(ctx context.Context, ep Endpoint) (Link, error) {
	opts := socket.DefaultOptions()
	opts.SetPath(StreamPath)
	opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	auth := map[string]any{
		"token":      ep.Token,
		"clientType": "mobile",
	}
	if ep.ResumeSessionID != "" {
		auth["sessionId"] = ep.ResumeSessionID
	}
	opts.SetAuth(auth)

	sock, err := socket.Connect(strings.TrimRight(ep.ServerURL, "/"), opts)
	if err != nil {
		return nil, fmt.Errorf("socket.io connect: %w", err)
	}

	link := newSocketLink(sock)
	ready := make(chan error, 1)
	signal := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}

	sock.On(types.EventName("connect"), func(args ...any) {
		signal(nil)
	})
	sock.On(types.EventName("connect_error"), func(args ...any) {
		signal(connectError(args))
	})
	sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := "disconnected"
		if len(args) > 0 {
			if r, ok := args[0].(string); ok && r != "" {
				reason = r
			}
		}
		link.fail(fmt.Errorf("socket.io: %s", reason))
	})
	sock.On(types.EventName(socketEventInbound), func(args ...any) {
		if len(args) == 0 {
			return
		}
		frame, err := frameFromArg(args[0])
		if err != nil {
			return
		}
		link.deliver(frame)
	})

	select {
	case err := <-ready:
		if err != nil {
			sock.Disconnect()
			return nil, err
		}
		return link, nil
	case <-ctx.Done():
		sock.Disconnect()
		return nil, ctx.Err()
	}
}

func connectError(args []any) error {
	msg := "connect error"
	if len(args) > 0 {
		msg = fmt.Sprint(args[0])
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401") {
		return fmt.Errorf("socket.io: %w: %s", ErrUnauthorized, msg)
	}
	return fmt.Errorf("socket.io: %s", msg)
}

// frameFromArg turns a decoded event argument back into envelope bytes.
func frameFromArg(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// socketConn is the part of *socket.Socket a link uses.
type socketConn interface {
	Emit(ev string, args ...any) error
	Disconnect() *socket.Socket
}

type socketLink struct {
	sock   socketConn
	frames chan []byte

	mu      sync.Mutex
	readErr error
	closed  chan struct{}
	once    sync.Once
}

func newSocketLink(sock socketConn) *socketLink {
	return &socketLink{
		sock:   sock,
		frames: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (l *socketLink) deliver(frame []byte) {
	select {
	case l.frames <- frame:
	case <-l.closed:
	}
}

func (l *socketLink) fail(err error) {
	l.mu.Lock()
	if l.readErr == nil {
		l.readErr = err
	}
	l.mu.Unlock()
	l.once.Do(func() { close(l.closed) })
}

// Read implements Link. Frames already queued are returned before the close
// error.
func (l *socketLink) Read() ([]byte, error) {
	select {
	case frame := <-l.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-l.frames:
		return frame, nil
	case <-l.closed:
		l.mu.Lock()
		defer l.mu.Unlock()
		return nil, l.readErr
	}
}

// Write implements Link.
func (l *socketLink) Write(ctx context.Context, frame []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var env map[string]any
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("socket.io write: %w", err)
	}
	if err := l.sock.Emit(socketEventOutbound, env); err != nil {
		return fmt.Errorf("socket.io write: %w", err)
	}
	return nil
}

// Close implements Link.
func (l *socketLink) Close() error {
	l.fail(ErrClosed)
	l.sock.Disconnect()
	return nil
}
