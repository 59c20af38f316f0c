package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/auth"
	"github.com/bhandras/delight/mobile/internal/config"
	"github.com/bhandras/delight/mobile/internal/controller"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
	"github.com/bhandras/delight/mobile/internal/wire"
	"github.com/stretchr/testify/require"
)

type captureListener struct {
	mu      sync.Mutex
	phases  []string
	updates map[string][]string
	errors  []string
}

func newCaptureListener() *captureListener {
	return &captureListener{updates: make(map[string][]string)}
}

func (l *captureListener) OnConnectionChanged(phase string, _ int, _ int64, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phases = append(l.phases, phase)
}

func (l *captureListener) OnUpdate(_ string, kind string, updateJSON string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates[kind] = append(l.updates[kind], updateJSON)
}

func (l *captureListener) OnError(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, message)
}

func (l *captureListener) snapshot() ([]string, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.phases...), append([]string(nil), l.errors...)
}

type rejectingDialer struct{}

func (rejectingDialer) Dial(context.Context, transport.Endpoint) (transport.Link, error) {
	return nil, fmt.Errorf("handshake: %w", transport.ErrUnauthorized)
}

func TestBufferCopyTo(t *testing.T) {
	buf := bufferOf("session-123")
	require.Equal(t, 11, buf.Len())

	dst := make([]byte, 7)
	n, err := buf.CopyTo(int64(uintptr(unsafe.Pointer(&dst[0]))), len(dst))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "session", string(dst))

	_, err = buf.CopyTo(0, 4)
	require.Error(t, err)
	_, err = buf.CopyTo(1, -1)
	require.Error(t, err)

	var nilBuf *Buffer
	require.Zero(t, nilBuf.Len())
	_, err = nilBuf.CopyTo(1, 1)
	require.Error(t, err)
}

func TestDispatcherSerializesAndRecovers(t *testing.T) {
	d := newDispatcher(4)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = d.run(func() error {
					counter++
					return nil
				})
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1000, counter)

	_, err := d.call(func() (any, error) { panic("boom") })
	require.ErrorIs(t, err, errPanicked)

	v, err := d.call(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestCallsBeforeConnect(t *testing.T) {
	c := NewClient("http://localhost:8080")
	_, err := c.SendMessageBuffer("hi")
	require.ErrorIs(t, err, ErrNotStarted)
	require.ErrorIs(t, c.Allow(""), ErrNotStarted)
	require.NoError(t, c.Close())
}

func TestConnectRequiresToken(t *testing.T) {
	c := NewClient("http://localhost:8080")
	require.ErrorIs(t, c.Connect(""), auth.ErrMissingToken)
}

func TestSettersValidate(t *testing.T) {
	c := NewClient("http://localhost:8080")
	require.Error(t, c.SetTransport("carrier-pigeon"))
	require.NoError(t, c.SetTransport("socketio"))
	require.Error(t, c.SetDataKeyBase64("not base64!"))
	require.Error(t, c.SetAlwaysAllowScope("forever"))
	require.NoError(t, c.SetAlwaysAllowScope("process"))
	require.Error(t, SetLogLevel("chatty"))
}

func TestUnauthorizedConnectReportsFailure(t *testing.T) {
	c := NewClient("http://localhost:8080")
	c.newOptions = func(cfg *config.Config, l controller.Listener) (controller.Options, error) {
		return controller.Options{
			ServerURL:  cfg.ServerURL,
			Token:      cfg.AuthToken,
			ContextKey: cfg.ContextKey,
			Dialer:     rejectingDialer{},
			Store:      store.NewMemoryStore(),
			Listener:   l,
		}, nil
	}
	listener := newCaptureListener()
	c.SetListener(listener)
	c.SetToken("opaque-token")

	require.NoError(t, c.Connect("S1"))
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool {
		phases, errs := listener.snapshot()
		return len(errs) == 1 && len(phases) > 0 && phases[len(phases)-1] == "failed"
	}, 2*time.Second, 5*time.Millisecond)
	_, errs := listener.snapshot()
	require.Contains(t, errs[0], "unauthorized")

	buf, err := c.SnapshotBuffer()
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.Unmarshal([]byte(buf.String()), &snap))
	require.Equal(t, "S1", snap["sessionId"])
	require.Equal(t, "failed", snap["phase"])

	require.NoError(t, c.Close())
	_, err = c.SendMessageBuffer("hi")
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestEncodeEvent(t *testing.T) {
	turn := &assembler.Turn{
		ID: "t1", SessionID: "S1", Role: wire.RoleAssistant, Finalized: true,
		Fragments: []wire.Fragment{{Kind: wire.FragmentText, Text: "done"}},
	}
	upd, ok := encodeEvent(controller.TurnUpdated{SessionID: "S1", Committed: turn})
	require.True(t, ok)
	require.Equal(t, KindTurn, upd.kind)
	require.Equal(t, "S1", upd.sessionID)
	data, err := json.Marshal(upd.payload)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"partial": null,
		"committed": {
			"id": "t1", "sessionId": "S1", "role": "assistant", "text": "done",
			"fragments": [{"kind": "text", "text": "done"}], "finalized": true
		}
	}`, string(data))

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	upd, ok = encodeEvent(controller.PermissionRequested{Request: permission.Request{
		ID: "p1", SessionID: "S1", ToolName: "Bash", Input: json.RawMessage(`{"cmd":"ls"}`), ReceivedAt: received,
	}})
	require.True(t, ok)
	data, err = json.Marshal(upd.payload)
	require.NoError(t, err)
	require.JSONEq(t, fmt.Sprintf(`{"id":"p1","sessionId":"S1","toolName":"Bash","input":{"cmd":"ls"},"receivedAt":%d}`,
		received.UnixMilli()), string(data))

	upd, ok = encodeEvent(controller.ServerEventReceived{Event: wire.Queued{Position: 2}})
	require.True(t, ok)
	data, err = json.Marshal(upd.payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"queued","payload":{"position":2}}`, string(data))

	_, ok = encodeEvent(controller.Connectivity{})
	require.False(t, ok)
}
