// Package future provides a minimal single-assignment promise/future pair,
// the Go-native analogue of the TFuture<T>/TPromise<T> plumbing the spec
// leans on throughout (response keeper pending futures, streaming write
// futures, the async response future on a service context). Continuations
// registered with Subscribe always run on a fresh goroutine, never on the
// goroutine that calls Set — the same rule spec §9 spells out for the
// response keeper ("the pending promise is fulfilled outside the lock to
// prevent user callbacks from running under it") is applied here once, for
// every caller.
package future

import "sync"

// Future[T] is fulfilled at most once, by the paired Promise. Get blocks
// until it is; Subscribe never blocks.
type Future[T any] struct {
	mu   sync.Mutex
	done chan struct{}
	val  T
	err  error
	subs []func(T, error)
}

// Promise[T] is the write side of a Future[T].
type Promise[T any] struct {
	f *Future[T]
}

// New returns a fresh, unfulfilled future and its promise.
func New[T any]() (*Future[T], *Promise[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return f, &Promise[T]{f: f}
}

// Done returns one value, already fulfilled — useful when a caller already
// has the answer in hand (e.g. the response keeper replying from its
// finished map).
func Done[T any](val T, err error) *Future[T] {
	f, p := New[T]()
	p.Set(val, err)
	return f
}

// Set fulfils the future. A second call is a no-op: callers that race to
// fulfil (e.g. CancelRequest racing EndRequest) need not coordinate first.
func (p *Promise[T]) Set(val T, err error) {
	f := p.f
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.val, f.err = val, err
	subs := f.subs
	f.subs = nil
	close(f.done)
	f.mu.Unlock()

	for _, s := range subs {
		go s(val, err)
	}
}

// Get blocks until the future is fulfilled.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// Chan exposes the completion signal for select loops.
func (f *Future[T]) Chan() <-chan struct{} { return f.done }

// Value and Err are only meaningful after Chan()/Get() report completion.
func (f *Future[T]) Value() T     { return f.val }
func (f *Future[T]) Err() error   { return f.err }
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Subscribe registers cb to run, on its own goroutine, once the future is
// fulfilled. If the future is already fulfilled, cb runs immediately (still
// on a fresh goroutine).
func (f *Future[T]) Subscribe(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		go cb(f.val, f.err)
		return
	default:
	}
	f.subs = append(f.subs, cb)
	f.mu.Unlock()
}
