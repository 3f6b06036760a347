// Package future provides a small generic Future/Promise pair.
//
// A CompletableFuture is completed exactly once, either with a value or with
// an error. Later completions are ignored. Readers block in Get until the
// future completes or their context is done.
package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPanic wraps a panic recovered while computing a derived future.
var ErrPanic = errors.New("future: panic")

// Future is the read side of an asynchronous result.
type Future[T any] interface {
	Get(ctx context.Context) (T, error)
	Done() <-chan struct{}
}

// Promise is the write side of an asynchronous result.
type Promise[T any] interface {
	Complete(T)
	Error(error)
}

type CompletableFuture[T any] interface {
	Future[T]
	Promise[T]
}

type future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// New creates an incomplete future.
func New[T any]() CompletableFuture[T] {
	return &future[T]{done: make(chan struct{})}
}

// Completed returns a future that already holds value.
func Completed[T any](value T) Future[T] {
	f := New[T]()
	f.Complete(value)
	return f
}

// Failed returns a future that already holds err.
func Failed[T any](err error) Future[T] {
	f := New[T]()
	f.Error(err)
	return f
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *future[T]) Complete(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

func (f *future[T]) Error(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Then returns a future holding fn applied to the result of f.
// An error from f skips fn and is propagated as is. A panic in fn fails
// the returned future with ErrPanic.
func Then[T, U any](f Future[T], fn func(T) (U, error)) Future[U] {
	next := New[U]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				next.Error(fmt.Errorf("%w: %v", ErrPanic, r))
			}
		}()
		<-f.Done()
		v, err := f.Get(context.Background())
		if err != nil {
			next.Error(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			next.Error(err)
			return
		}
		next.Complete(u)
	}()
	return next
}
