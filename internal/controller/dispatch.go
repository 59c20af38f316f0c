package controller

import (
	"sync"

	"github.com/bhandras/delight/mobile/internal/logger"
)

// dispatcher runs queued functions one at a time on its own goroutine.
//
// Listener callbacks and store writes go through one each, so they happen in
// the order the reducer asked for them. The queue absorbs bursts; once it is
// full, do blocks the caller until the slow consumer catches up, which
// stalls the loop. Events are never dropped.
type dispatcher struct {
	name   string
	mu     sync.Mutex
	q      chan func()
	closed bool
	done   chan struct{}
}

func newDispatcher(name string, queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		name: name,
		q:    make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for fn := range d.q {
			if fn != nil {
				fn()
			}
		}
	}()
	return d
}

// do queues fn. It reports false once the dispatcher is stopped.
func (d *dispatcher) do(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if fn == nil {
		return true
	}
	select {
	case d.q <- fn:
	default:
		logger.Warnf("controller: %s queue full (%d); waiting for a slow consumer", d.name, cap(d.q))
		d.q <- fn
	}
	return true
}

// stop lets queued work finish and rejects new work.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.q)
	}
	d.mu.Unlock()
}

// wait blocks until every queued function ran after stop.
func (d *dispatcher) wait() {
	<-d.done
}
