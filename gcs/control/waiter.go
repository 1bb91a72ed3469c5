package control

import (
	"context"
	"sync"
)

// Waiter is the pending result of a join or leave request.
type Waiter struct {
	once   sync.Once
	doneCh chan struct{}
	err    error
}

func newWaiter() *Waiter {
	return &Waiter{
		doneCh: make(chan struct{}),
	}
}

func (w *Waiter) resolve(err error) {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.err = err
		close(w.doneCh)
	})
}

func (w *Waiter) Done() <-chan struct{} {
	return w.doneCh
}

// Wait blocks until the request has completed and returns its result.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.doneCh:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
