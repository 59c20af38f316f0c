package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bhandras/delight/mobile/internal/actor"
	"github.com/bhandras/delight/mobile/internal/connection"
	"github.com/bhandras/delight/mobile/internal/history"
	"github.com/bhandras/delight/mobile/internal/logger"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
	"github.com/bhandras/delight/mobile/internal/wire"
)

const (
	writeQueueSize = 256
	writeTimeout   = 10 * time.Second
	storeTimeout   = 5 * time.Second
)

// HistorySource performs history requests. *history.Fetcher implements it.
// A source that also implements io.Closer is closed by Controller.Close.
type HistorySource interface {
	Fetch(ctx context.Context, req history.Request) history.Result
}

// Runtime interprets controller effects.
//
// It never touches State. Everything it observes (dial results, frames,
// closures, fetched pages, timers) goes back through emit.
type Runtime struct {
	dialer   transport.Dialer
	endpoint transport.Endpoint
	history  HistorySource
	store    store.Store
	clock    actor.Clock
	timers   *actor.Timers
	listener Listener

	callbacks *dispatcher
	storeOps  *dispatcher

	writers sync.WaitGroup

	mu      sync.Mutex
	links   map[uint64]*linkState
	dialing map[uint64]context.CancelFunc
	fetches map[uint64]context.CancelFunc
	stopped bool
}

type linkState struct {
	link   transport.Link
	out    chan []byte
	closed bool
}

// NewRuntime returns a runtime. endpoint.ResumeSessionID is ignored; each
// Dial effect names its own.
func NewRuntime(dialer transport.Dialer, endpoint transport.Endpoint, src HistorySource,
	st store.Store, clock actor.Clock, listener Listener) *Runtime {

	if clock == nil {
		clock = actor.RealClock{}
	}
	return &Runtime{
		dialer:    dialer,
		endpoint:  endpoint,
		history:   src,
		store:     st,
		clock:     clock,
		timers:    actor.NewTimers(clock),
		listener:  listener,
		callbacks: newDispatcher("listener", 1024),
		storeOps:  newDispatcher("store", 64),
		links:     make(map[uint64]*linkState),
		dialing:   make(map[uint64]context.CancelFunc),
		fetches:   make(map[uint64]context.CancelFunc),
	}
}

// Timers exposes the timer set, for tests that need exact delays.
func (r *Runtime) Timers() *actor.Timers { return r.timers }

// HandleEffects implements actor.Runtime.
func (r *Runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch e := eff.(type) {
		case connection.Dial:
			r.dial(ctx, e, emit)
		case connection.CloseLink:
			r.closeLink(e.Gen)
		case connection.SendFrame:
			r.send(e)
		case actor.StartTimer:
			r.timers.Start(ctx, e, emit)
		case actor.CancelTimer:
			r.timers.Cancel(e.Name)
		case effFetchHistory:
			r.fetch(ctx, e.Request, emit)
		case effCancelFetch:
			r.cancelFetch(e.Seq)
		case effPersistSession:
			r.persist(e.Key, e.SessionID)
		case effClearSession:
			r.persist(e.Key, "")
		case effNotify:
			r.deliver(e.Event)
		case effCompleteReply:
			if e.Reply == nil {
				continue
			}
			select {
			case e.Reply <- e.Err:
			default:
			}
		default:
			logger.Warnf("controller: unknown effect %T", eff)
		}
	}
}

// Stop implements actor.Runtime. Listener callbacks, store writes and frames
// already queued still go out.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for gen, cancel := range r.dialing {
		cancel()
		delete(r.dialing, gen)
	}
	for seq, cancel := range r.fetches {
		cancel()
		delete(r.fetches, seq)
	}
	for gen, ls := range r.links {
		r.retireLocked(gen, ls)
	}
	r.mu.Unlock()

	r.timers.StopAll()
	r.callbacks.stop()
	r.storeOps.stop()
}

// Wait blocks until queued listener callbacks and store writes are done and
// every channel is closed. Call it after Stop.
func (r *Runtime) Wait() {
	r.writers.Wait()
	r.callbacks.wait()
	r.storeOps.wait()
}

func (r *Runtime) dial(ctx context.Context, eff connection.Dial, emit func(actor.Input)) {
	dctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		cancel()
		return
	}
	r.dialing[eff.Gen] = cancel
	r.mu.Unlock()

	ep := r.endpoint
	ep.ResumeSessionID = eff.Resume

	go func() {
		defer cancel()
		link, err := r.dialer.Dial(dctx, ep)

		r.mu.Lock()
		delete(r.dialing, eff.Gen)
		if err == nil {
			if r.stopped {
				r.mu.Unlock()
				_ = link.Close()
				return
			}
			ls := &linkState{link: link, out: make(chan []byte, writeQueueSize)}
			r.links[eff.Gen] = ls
			r.writers.Add(1)
			go r.writeLoop(eff.Gen, ls)
		}
		r.mu.Unlock()

		emit(evDialed{Gen: eff.Gen, Err: err, Now: r.clock.Now()})
		if err != nil {
			return
		}
		r.readLoop(eff.Gen, link, emit)
	}()
}

// readLoop decodes frames until the link fails. Frames are emitted in the
// order they were read; malformed ones are logged and skipped.
func (r *Runtime) readLoop(gen uint64, link transport.Link, emit func(actor.Input)) {
	for {
		frame, err := link.Read()
		if err != nil {
			r.mu.Lock()
			if ls, ok := r.links[gen]; ok && ls.link == link {
				r.retireLocked(gen, ls)
			}
			r.mu.Unlock()
			if errors.Is(err, transport.ErrClosed) {
				err = nil
			}
			emit(evClosed{Gen: gen, Err: err, Now: r.clock.Now()})
			return
		}

		ev, err := wire.DecodeServerEvent(frame)
		if err != nil {
			logger.Warnf("controller: dropping frame: %v", err)
			continue
		}
		emit(evFrame{Gen: gen, Event: ev, Now: r.clock.Now()})
	}
}

// writeLoop owns the link's shutdown: once the link is retired, frames
// still queued are written and then the link is closed.
func (r *Runtime) writeLoop(gen uint64, ls *linkState) {
	defer r.writers.Done()
	defer func() { _ = ls.link.Close() }()

	for frame := range ls.out {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := ls.link.Write(ctx, frame)
		cancel()
		if err != nil {
			// The reader sees the closure and reports it.
			logger.Warnf("controller: write on gen=%d failed: %v", gen, err)
			return
		}
	}
}

func (r *Runtime) send(eff connection.SendFrame) {
	frame, err := wire.EncodeCommand(eff.Cmd)
	if err != nil {
		logger.Errorf("controller: encode %s: %v", eff.Cmd.CommandType(), err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.links[eff.Gen]
	if !ok || ls.closed {
		logger.Debugf("controller: dropping %s for closed channel gen=%d", eff.Cmd.CommandType(), eff.Gen)
		return
	}
	select {
	case ls.out <- frame:
	default:
		logger.Errorf("controller: write queue full on gen=%d; dropping %s", eff.Gen, eff.Cmd.CommandType())
	}
}

// closeLink aborts the dial for gen or retires its link. The writer closes
// the link after flushing.
func (r *Runtime) closeLink(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.dialing[gen]; ok {
		cancel()
	}
	if ls, ok := r.links[gen]; ok {
		r.retireLocked(gen, ls)
	}
}

// retireLocked forgets a link and ends its writer. r.mu must be held.
func (r *Runtime) retireLocked(gen uint64, ls *linkState) {
	delete(r.links, gen)
	if !ls.closed {
		ls.closed = true
		close(ls.out)
	}
}

func (r *Runtime) fetch(ctx context.Context, req history.Request, emit func(actor.Input)) {
	if r.history == nil {
		go emit(evHistoryLoaded{Result: history.Result{
			Seq:       req.Seq,
			SessionID: req.SessionID,
			Err:       errors.New("history not configured"),
		}})
		return
	}

	fctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		cancel()
		return
	}
	r.fetches[req.Seq] = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()
		res := r.history.Fetch(fctx, req)

		r.mu.Lock()
		delete(r.fetches, req.Seq)
		r.mu.Unlock()

		emit(evHistoryLoaded{Result: res})
	}()
}

func (r *Runtime) cancelFetch(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.fetches[seq]; ok {
		cancel()
		delete(r.fetches, seq)
	}
}

// persist saves id under key, or clears key when id is empty. Writes run in
// order on the store dispatcher.
func (r *Runtime) persist(key, id string) {
	if r.store == nil {
		return
	}
	r.storeOps.do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		var err error
		if id == "" {
			err = r.store.Clear(ctx, key)
		} else {
			err = r.store.Save(ctx, key, id)
		}
		if err != nil {
			logger.Warnf("controller: persist session id for %q: %v", key, err)
		}
	})
}

func (r *Runtime) deliver(ev Event) {
	if r.listener == nil {
		return
	}
	r.callbacks.do(func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Errorf("controller: listener panic on %T: %v", ev, p)
			}
		}()
		r.listener.HandleEvent(ev)
	})
}
