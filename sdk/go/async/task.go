// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package async

import (
	"context"
	"errors"
	"sync"
)

// ErrInterrupted is the default interruption reason.
var ErrInterrupted = errors.New("interrupted")

// A Task runs one long-running operation and lets another goroutine
// interrupt it with a reason. The reason is delivered at the
// operation's next suspension point: anything waiting on the task's
// context (for example Future.Wait, or a backoff sleep) returns the
// reason instead of its value.
//
// Example:
//
//	task := async.NewTask(ctx)
//	go func() { <-killRequests; task.Interrupt(errKilled) }()
//	err := task.Run(func(ctx context.Context) error {
//		conn, err := connReady.Wait(ctx) // returns errKilled if interrupted
//		...
//	})
type Task struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mtx      sync.Mutex
	started  bool
	finished bool
	reason   error
}

// NewTask returns a Task whose operation will run with a child of
// parent.
func NewTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{ctx: ctx, cancel: cancel}
}

// Interrupt delivers reason to the task's operation. It returns
// false, and has no effect, if the operation has already finished or
// an earlier interruption is pending.
//
// A nil reason is replaced by ErrInterrupted.
func (t *Task) Interrupt(reason error) bool {
	if reason == nil {
		reason = ErrInterrupted
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.finished || t.reason != nil {
		return false
	}
	t.reason = reason
	t.cancel(reason)
	return true
}

// Interrupted returns the reason given to the first effective call
// to Interrupt, or nil.
func (t *Task) Interrupted() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.reason
}

// Run calls fn with the task's context and returns fn's error. Run
// must be called at most once.
//
// If fn returns nil, Run returns nil even if an interruption
// arrived too late to be noticed by fn. If fn returns the context's
// own error (context.Canceled) after an interruption, Run returns
// the interruption reason instead.
func (t *Task) Run(fn func(context.Context) error) error {
	t.mtx.Lock()
	if t.started {
		t.mtx.Unlock()
		return errors.New("task already started")
	}
	t.started = true
	t.mtx.Unlock()

	err := fn(t.ctx)

	t.mtx.Lock()
	t.finished = true
	reason := t.reason
	t.mtx.Unlock()
	defer t.cancel(nil)

	if err == nil {
		return nil
	}
	if reason != nil && errors.Is(err, context.Canceled) && !errors.Is(err, reason) {
		return reason
	}
	return err
}

// Done returns a channel that is closed when the task is interrupted
// or its parent context is done.
func (t *Task) Done() <-chan struct{} {
	return t.ctx.Done()
}
