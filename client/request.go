package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// State is the lifecycle of a request:
// Issued → Pending → {Succeeded | Failed}. Both outcomes are terminal.
// A request canceled before it runs still moves through Pending.
type State int32

const (
	Issued State = iota
	Pending
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Issued:
		return "issued"
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotDone is returned by Result before the request completes.
var ErrNotDone = errors.New("request has not completed")

// Request is the single outcome of one adapter operation.
type Request[T any] struct {
	state atomic.Int32
	done  chan struct{}

	mu        sync.Mutex
	finished  bool
	result    T
	err       error
	callbacks []func(T, error)

	// watch, if set, sees every state change.
	watch func(State)
}

func newRequest[T any]() *Request[T] {
	return &Request[T]{done: make(chan struct{})}
}

func (r *Request[T]) State() State {
	return State(r.state.Load())
}

// Done is closed once the request succeeds or fails.
func (r *Request[T]) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome without blocking, or ErrNotDone.
func (r *Request[T]) Result() (T, error) {
	select {
	case <-r.done:
		return r.result, r.err
	default:
		var zero T
		return zero, ErrNotDone
	}
}

// Wait blocks until the request completes or ctx is done. Giving up on
// waiting does not cancel a request that has already started.
func (r *Request[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers f to be called with the outcome. If the request has
// already completed, f runs immediately on the calling goroutine; otherwise
// it runs on the goroutine that completes the request, before Done is
// closed.
func (r *Request[T]) OnComplete(f func(T, error)) {
	r.mu.Lock()
	if r.finished {
		v, err := r.result, r.err
		r.mu.Unlock()
		f(v, err)
		return
	}
	r.callbacks = append(r.callbacks, f)
	r.mu.Unlock()
}

func (r *Request[T]) start() {
	if r.state.CompareAndSwap(int32(Issued), int32(Pending)) && r.watch != nil {
		r.watch(Pending)
	}
}

func (r *Request[T]) complete(v T, err error) {
	r.mu.Lock()
	r.result, r.err = v, err
	final := Succeeded
	if err != nil {
		final = Failed
	}
	r.state.Store(int32(final))
	if r.watch != nil {
		r.watch(final)
	}
	r.finished = true
	callbacks := r.callbacks
	r.callbacks = nil
	r.mu.Unlock()

	for _, f := range callbacks {
		f(v, err)
	}
	close(r.done)
}
