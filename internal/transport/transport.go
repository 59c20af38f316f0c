// Package transport opens the duplex channel to the agent service. A Link
// moves whole envelope frames; it knows nothing about their contents.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrUnauthorized is returned by Dial when the server rejects the token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrClosed is returned by Read and Write after Close.
	ErrClosed = errors.New("link closed")
)

// StreamPath is where the service accepts duplex channels.
const StreamPath = "/v1/stream"

// Endpoint says where and as whom to connect.
type Endpoint struct {
	ServerURL string
	Token     string
	// ResumeSessionID is informational; the Start command carries the
	// authoritative value.
	ResumeSessionID string
}

// Link is one open channel. Read and Write may be called from different
// goroutines, but each only from one at a time.
type Link interface {
	// Read blocks for the next frame. It returns an error once the link is
	// closed from either side.
	Read() ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens links.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Link, error)
}

// Kind selects a Dialer implementation.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindSocketIO  Kind = "socketio"
)

// New returns the dialer for kind.
func New(kind Kind) (Dialer, error) {
	switch kind {
	case "", KindWebSocket:
		return &WebSocketDialer{}, nil
	case KindSocketIO:
		return &SocketIODialer{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// streamURL maps an http(s) base URL onto the ws(s) stream endpoint.
func streamURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + StreamPath
	return u.String(), nil
}
