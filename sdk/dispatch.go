package sdk

import (
	"errors"
)

var errNoDispatcher = errors.New("dispatcher not initialized")

type dispatchResult struct {
	value any
	err   error
}

// dispatcher runs client lifecycle work on one goroutine.
//
// gomobile calls exported methods from whatever thread the app is on. Building,
// replacing and closing the controller all happen here, so two threads never
// race on which controller is current.
type dispatcher struct {
	q chan func()
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &dispatcher{q: make(chan func(), queueSize)}
	go func() {
		for fn := range d.q {
			if fn != nil {
				fn()
			}
		}
	}()
	return d
}

// call runs fn on the dispatcher goroutine and waits for its result.
func (d *dispatcher) call(fn func() (any, error)) (any, error) {
	if d == nil {
		return nil, errNoDispatcher
	}
	if fn == nil {
		return nil, nil
	}
	done := make(chan dispatchResult, 1)
	d.q <- func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic("dispatch", r)
				done <- dispatchResult{err: errPanicked}
			}
		}()
		value, err := fn()
		done <- dispatchResult{value: value, err: err}
	}
	res := <-done
	return res.value, res.err
}

// run is call for work without a result.
func (d *dispatcher) run(fn func() error) error {
	_, err := d.call(func() (any, error) { return nil, fn() })
	return err
}
