// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package async provides single-assignment result slots and
// interruptible units of work for code that waits on values
// produced by other goroutines.
package async

import (
	"context"
	"sync"
)

// A Future is a single-assignment slot holding either a value or an
// error. The first call to Resolve or Reject wins; later calls are
// ignored.
//
// A zero Future is not usable. Use NewFuture.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the future's value. It returns false if the future
// was already resolved or rejected.
func (f *Future[T]) Resolve(v T) bool {
	return f.set(v, nil)
}

// Reject sets the future's error. It returns false if the future
// was already resolved or rejected.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.set(zero, err)
}

func (f *Future[T]) set(v T, err error) bool {
	ok := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		ok = true
	})
	return ok
}

// Done returns a channel that is closed when the future is resolved
// or rejected.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Resolved returns true if the future has a value or an error.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the future's value and error. It must not be called
// before Done() is closed.
func (f *Future[T]) Result() (T, error) {
	return f.val, f.err
}

// Wait waits for the future to be resolved, or for ctx to be done,
// whichever happens first. In the latter case it returns the context's
// cancellation cause (see context.Cause).
//
// If the future is already resolved when ctx is done, the future's
// result wins.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.val, f.err
		default:
		}
		var zero T
		return zero, context.Cause(ctx)
	}
}
