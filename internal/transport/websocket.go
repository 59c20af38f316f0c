package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	// maxFrameSize bounds a single inbound frame. Tool output can be large.
	maxFrameSize = 16 << 20
)

// WebSocketDialer dials plain WebSocket channels with a bearer token.
type WebSocketDialer struct {
	// Dialer overrides websocket.DefaultDialer when set.
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, ep Endpoint) (Link, error) {
	target, err := streamURL(ep.ServerURL)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if ep.Token != "" {
		header.Set("Authorization", "Bearer "+ep.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("dial %s: %w (status %d)", target, ErrUnauthorized, resp.StatusCode)
			}
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsLink{conn: conn, closed: make(chan struct{})}, nil
}

type wsLink struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Read implements Link.
func (l *wsLink) Read() ([]byte, error) {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closed:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Write implements Link.
func (l *wsLink) Write(ctx context.Context, frame []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close implements Link.
func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}
