package controller_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/delight/mobile/internal/actor/actortest"
	"github.com/bhandras/delight/mobile/internal/assembler"
	"github.com/bhandras/delight/mobile/internal/connection"
	"github.com/bhandras/delight/mobile/internal/controller"
	"github.com/bhandras/delight/mobile/internal/history"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
	"github.com/bhandras/delight/mobile/internal/wire"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeLink struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) Read() ([]byte, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-l.closed:
		return nil, transport.ErrClosed
	}
}

func (l *fakeLink) Write(ctx context.Context, frame []byte) error {
	select {
	case l.out <- frame:
		return nil
	case <-l.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// push delivers a server frame.
func (l *fakeLink) push(t *testing.T, typ wire.EventType, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(wire.Envelope{Type: string(typ), Payload: data})
	require.NoError(t, err)
	l.in <- frame
}

// expect reads the next client command and decodes its payload into v.
func (l *fakeLink) expect(t *testing.T, typ wire.CommandType, v any) {
	t.Helper()
	select {
	case frame := <-l.out:
		var env wire.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		require.Equal(t, string(typ), env.Type)
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Payload, v))
		}
	case <-time.After(waitFor):
		t.Fatalf("no %s command", typ)
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	resumes []string
	links   chan *fakeLink
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{links: make(chan *fakeLink, 8)}
}

func (d *fakeDialer) Dial(_ context.Context, ep transport.Endpoint) (transport.Link, error) {
	d.mu.Lock()
	d.resumes = append(d.resumes, ep.ResumeSessionID)
	d.mu.Unlock()

	link := newFakeLink()
	d.links <- link
	return link, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeLink {
	t.Helper()
	select {
	case l := <-d.links:
		return l
	case <-time.After(waitFor):
		t.Fatal("no dial")
		return nil
	}
}

type fakeHistory struct {
	mu       sync.Mutex
	turns    map[string][]assembler.Turn
	requests []history.Request
	closes   int
}

func (h *fakeHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *fakeHistory) Fetch(_ context.Context, req history.Request) history.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return history.Result{Seq: req.Seq, SessionID: req.SessionID, Turns: h.turns[req.SessionID]}
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

type recorder struct {
	mu     sync.Mutex
	events []controller.Event
}

func (r *recorder) HandleEvent(ev controller.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) wait(t *testing.T, match func(controller.Event) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, ev := range r.events {
			if match(ev) {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
}

type harness struct {
	ctl     *controller.Controller
	clock   *actortest.FakeClock
	dialer  *fakeDialer
	history *fakeHistory
	store   *store.MemoryStore
	events  *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   actortest.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		dialer:  newFakeDialer(),
		history: &fakeHistory{turns: map[string][]assembler.Turn{}},
		store:   store.NewMemoryStore(),
		events:  &recorder{},
	}
	ctl, err := controller.New(controller.Options{
		ServerURL:  "http://localhost:8080",
		Token:      "tok",
		ContextKey: "phone",
		Policy: connection.Policy{
			Base:           time.Second,
			Max:            4 * time.Second,
			DebounceWindow: time.Second,
		},
		Dialer:   h.dialer,
		History:  h.history,
		Store:    h.store,
		Clock:    h.clock,
		Listener: h.events,
	})
	require.NoError(t, err)
	h.ctl = ctl
	ctl.Start()
	t.Cleanup(func() { _ = ctl.Close(context.Background()) })
	return h
}

func (h *harness) persisted() string {
	id, _, _ := h.store.Load(context.Background(), "phone")
	return id
}

func TestNewRequiresDialer(t *testing.T) {
	_, err := controller.New(controller.Options{})
	require.Error(t, err)
}

func TestControllerSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.history.turns["S1"] = []assembler.Turn{{
		ID: "h1", SessionID: "S1", Role: wire.RoleAssistant, Finalized: true,
		Fragments: []wire.Fragment{{Kind: wire.FragmentText, Text: "earlier"}},
	}}

	require.NoError(t, h.ctl.Attach(ctx, "S1"))
	link := h.dialer.next(t)

	var start wire.Start
	link.expect(t, wire.CommandStart, &start)
	require.Equal(t, "S1", start.ResumeSessionID)

	link.push(t, wire.EventConnected, wire.Connected{SessionID: "S1"})
	link.expect(t, wire.CommandSubscribeSessions, nil)
	require.Eventually(t, func() bool {
		return h.ctl.Snapshot().Phase == connection.PhaseConnected
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.persisted() == "S1" }, waitFor, 5*time.Millisecond)

	h.events.wait(t, func(ev controller.Event) bool {
		u, ok := ev.(controller.HistoryUpdated)
		return ok && u.SessionID == "S1" && len(u.Turns) == 1
	})

	// Streamed output is assembled into one committed turn.
	link.push(t, wire.EventStream, map[string]any{"sessionId": "S1", "turnId": "t1", "kind": "text", "text": "Hel"})
	link.push(t, wire.EventStream, map[string]any{"sessionId": "S1", "turnId": "t1", "kind": "text", "text": "lo"})
	link.push(t, wire.EventStopped, wire.Stopped{SessionID: "S1", TurnID: "t1"})
	h.events.wait(t, func(ev controller.Event) bool {
		u, ok := ev.(controller.TurnUpdated)
		return ok && u.Committed != nil && u.Committed.Text() == "Hello"
	})

	// A permission request is surfaced and answered once.
	link.push(t, wire.EventPermissionRequest, wire.PermissionRequest{ID: "p1", ToolName: "Bash"})
	h.events.wait(t, func(ev controller.Event) bool {
		r, ok := ev.(controller.PermissionRequested)
		return ok && r.Request.ID == "p1"
	})
	require.NoError(t, h.ctl.Decide(ctx, "p1", permission.Allow()))
	var resp wire.PermissionResponse
	link.expect(t, wire.CommandPermissionResponse, &resp)
	require.Equal(t, wire.DecisionAllow, resp.Decision)
	require.ErrorIs(t, h.ctl.Decide(ctx, "p1", permission.Allow()), permission.ErrNoPendingRequest)

	localID, err := h.ctl.SendMessage(ctx, "ls")
	require.NoError(t, err)
	var input wire.Input
	link.expect(t, wire.CommandInput, &input)
	require.Equal(t, wire.Input{LocalID: localID, SessionID: "S1", Text: "ls"}, input)

	// The server drops the channel; the backoff timer redials the same
	// session and history is reloaded.
	require.NoError(t, link.Close())
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, connection.PhaseReconnecting, h.ctl.Snapshot().Phase)
	h.clock.Advance(time.Second)

	link2 := h.dialer.next(t)
	link2.expect(t, wire.CommandStart, &start)
	require.Equal(t, "S1", start.ResumeSessionID)
	link2.push(t, wire.EventConnected, wire.Connected{SessionID: "S1"})
	require.Eventually(t, func() bool { return h.history.count() == 2 }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.ctl.Close(ctx))
	require.True(t, link2.isClosed())
	_, err = h.ctl.SendMessage(ctx, "late")
	require.ErrorIs(t, err, controller.ErrClosed)
}

func TestControllerInvalidSessionStartsFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "phone", "dead"))

	require.NoError(t, h.ctl.Attach(ctx, ""))
	link := h.dialer.next(t)
	var start wire.Start
	link.expect(t, wire.CommandStart, &start)
	require.Equal(t, "dead", start.ResumeSessionID)

	link.push(t, wire.EventError, wire.ServerError{Kind: wire.ErrorSessionNotFound})
	h.events.wait(t, func(ev controller.Event) bool {
		r, ok := ev.(controller.SessionReset)
		return ok && r.Invalid == "dead"
	})

	fresh := h.dialer.next(t)
	fresh.expect(t, wire.CommandStart, &start)
	require.Empty(t, start.ResumeSessionID)
	require.Eventually(t, func() bool { return h.persisted() == "" }, waitFor, 5*time.Millisecond)
	require.Eventually(t, link.isClosed, waitFor, 5*time.Millisecond)

	require.ErrorIs(t, h.ctl.SwitchSession(ctx, "dead"), controller.ErrSessionInvalid)

	fresh.push(t, wire.EventConnected, wire.Connected{SessionID: "S9"})
	require.Eventually(t, func() bool { return h.persisted() == "S9" }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		v := h.ctl.Snapshot()
		return v.SessionID == "S9" && !v.Ephemeral
	}, waitFor, 5*time.Millisecond)
}

func TestControllerSwitchClosesOldChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctl.Attach(ctx, "A"))
	first := h.dialer.next(t)
	first.expect(t, wire.CommandStart, nil)
	first.push(t, wire.EventConnected, wire.Connected{SessionID: "A"})
	first.expect(t, wire.CommandSubscribeSessions, nil)

	first.push(t, wire.EventPermissionRequest, wire.PermissionRequest{ID: "p1", ToolName: "Edit"})
	h.events.wait(t, func(ev controller.Event) bool {
		_, ok := ev.(controller.PermissionRequested)
		return ok
	})

	require.NoError(t, h.ctl.SwitchSession(ctx, "B"))
	var deny wire.PermissionResponse
	first.expect(t, wire.CommandPermissionResponse, &deny)
	require.Equal(t, wire.DecisionDeny, deny.Decision)

	second := h.dialer.next(t)
	var start wire.Start
	second.expect(t, wire.CommandStart, &start)
	require.Equal(t, "B", start.ResumeSessionID)
	require.Eventually(t, first.isClosed, waitFor, 5*time.Millisecond)

	second.push(t, wire.EventConnected, wire.Connected{SessionID: "B"})
	require.Eventually(t, func() bool {
		return h.ctl.Snapshot().Phase == connection.PhaseConnected
	}, waitFor, 5*time.Millisecond)
	require.Nil(t, h.ctl.Snapshot().PendingPermission)
	require.Equal(t, "B", h.ctl.Snapshot().SessionID)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctl.Close(ctx))
	require.NoError(t, h.ctl.Close(ctx))
	require.ErrorIs(t, h.ctl.Attach(ctx, "A"), controller.ErrClosed)

	h.history.mu.Lock()
	defer h.history.mu.Unlock()
	require.Equal(t, 1, h.history.closes)
}
