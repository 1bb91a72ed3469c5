package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/couchbase/stellar-gcs/gcs/consensus"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("event engine is stopped")

// Handler processes the notifications of the consensus core. All methods are
// called from the engine goroutine, one at a time.
type Handler interface {
	HandleGlobalView(n *consensus.GlobalView) bool
	HandleLocalView(n *consensus.LocalView) bool
	HandleData(n *consensus.Data) bool
}

type Options struct {
	Logger  *zap.Logger
	Handler Handler
}

// Engine is the single event-processing goroutine of a node. Core
// notifications and control tasks are queued in arrival order and run one at
// a time, so handlers need no locking among themselves.
type Engine struct {
	logger  *zap.Logger
	handler Handler

	lock    sync.Mutex
	queue   []func()
	stopped bool
	wakeCh  chan struct{}
	doneCh  chan struct{}
}

var _ consensus.Sink = (*Engine)(nil)

func New(opts *Options) (*Engine, error) {
	if opts == nil || opts.Handler == nil {
		return nil, errors.New("an event handler must be specified")
	}

	e := &Engine{
		logger:  opts.Logger,
		handler: opts.Handler,
		wakeCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}

	return e, nil
}

func (e *Engine) push(task func()) bool {
	e.lock.Lock()
	if e.stopped {
		e.lock.Unlock()
		return false
	}
	e.queue = append(e.queue, task)
	e.lock.Unlock()

	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
	return true
}

func (e *Engine) DeliverGlobalView(n *consensus.GlobalView) bool {
	return e.push(func() { e.handler.HandleGlobalView(n) })
}

func (e *Engine) DeliverLocalView(n *consensus.LocalView) bool {
	return e.push(func() { e.handler.HandleLocalView(n) })
}

func (e *Engine) DeliverData(n *consensus.Data) bool {
	return e.push(func() { e.handler.HandleData(n) })
}

// Enqueue schedules a task to run on the engine goroutine.
func (e *Engine) Enqueue(task func()) error {
	if !e.push(task) {
		return ErrStopped
	}
	return nil
}

// Call runs fn on the engine goroutine and waits for it to complete.
func (e *Engine) Call(ctx context.Context, fn func()) error {
	doneCh := make(chan struct{})
	err := e.Enqueue(func() {
		defer close(doneCh)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-doneCh:
		return nil
	case <-e.doneCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.queue)
}

// Stop makes the engine reject new work. Run finishes the queued work and
// returns.
func (e *Engine) Stop() {
	e.lock.Lock()
	e.stopped = true
	e.lock.Unlock()

	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Done is closed after Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}

// Run processes queued work until the context is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.doneCh)

MainLoop:
	for {
		e.lock.Lock()
		tasks := e.queue
		e.queue = nil
		stopped := e.stopped
		e.lock.Unlock()

		for _, task := range tasks {
			e.runTask(task)
		}

		if stopped && len(tasks) == 0 {
			break MainLoop
		}
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-e.wakeCh:
		case <-ctx.Done():
			e.lock.Lock()
			e.stopped = true
			e.queue = nil
			e.lock.Unlock()
			break MainLoop
		}
	}

	e.logger.Debug("event engine stopped")
	return nil
}

func (e *Engine) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	task()
}
