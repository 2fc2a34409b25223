// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package async

import (
	"context"
	"errors"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&AsyncSuite{})

type AsyncSuite struct{}

var errKill = errors.New("kill requested")

func (s *AsyncSuite) TestFutureSingleAssignment(c *check.C) {
	f := NewFuture[int]()
	c.Check(f.Resolved(), check.Equals, false)
	c.Check(f.Resolve(1), check.Equals, true)
	c.Check(f.Resolve(2), check.Equals, false)
	c.Check(f.Reject(errors.New("late")), check.Equals, false)
	c.Check(f.Resolved(), check.Equals, true)
	v, err := f.Result()
	c.Check(v, check.Equals, 1)
	c.Check(err, check.IsNil)
}

func (s *AsyncSuite) TestFutureReject(c *check.C) {
	f := NewFuture[string]()
	f.Reject(errKill)
	_, err := f.Wait(context.Background())
	c.Check(err, check.Equals, errKill)
}

func (s *AsyncSuite) TestWaitPrefersValue(c *check.C) {
	f := NewFuture[int]()
	f.Resolve(7)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errKill)
	for i := 0; i < 100; i++ {
		v, err := f.Wait(ctx)
		c.Assert(err, check.IsNil)
		c.Assert(v, check.Equals, 7)
	}
}

func (s *AsyncSuite) TestInterruptUnblocksWait(c *check.C) {
	f := NewFuture[int]()
	task := NewTask(context.Background())
	waiting := make(chan struct{})
	go func() {
		<-waiting
		c.Check(task.Interrupt(errKill), check.Equals, true)
	}()
	err := task.Run(func(ctx context.Context) error {
		close(waiting)
		_, err := f.Wait(ctx)
		return err
	})
	c.Check(err, check.Equals, errKill)
	c.Check(task.Interrupted(), check.Equals, errKill)
}

func (s *AsyncSuite) TestInterruptAfterFinishIsNoop(c *check.C) {
	task := NewTask(context.Background())
	err := task.Run(func(ctx context.Context) error { return nil })
	c.Check(err, check.IsNil)
	c.Check(task.Interrupt(errKill), check.Equals, false)
	c.Check(task.Interrupted(), check.IsNil)
}

func (s *AsyncSuite) TestNormalResultWinsOverLateInterrupt(c *check.C) {
	task := NewTask(context.Background())
	err := task.Run(func(ctx context.Context) error {
		// Interruption requested, but the operation completes
		// without reaching another suspension point.
		task.Interrupt(errKill)
		return nil
	})
	c.Check(err, check.IsNil)
}

func (s *AsyncSuite) TestContextErrorTranslatedToReason(c *check.C) {
	task := NewTask(context.Background())
	go func() {
		time.Sleep(time.Millisecond)
		task.Interrupt(errKill)
	}()
	err := task.Run(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.Check(err, check.Equals, errKill)
}

func (s *AsyncSuite) TestDefaultReason(c *check.C) {
	task := NewTask(context.Background())
	task.Interrupt(nil)
	err := task.Run(func(ctx context.Context) error {
		_, err := NewFuture[int]().Wait(ctx)
		return err
	})
	c.Check(err, check.Equals, ErrInterrupted)
}

func (s *AsyncSuite) TestRunTwice(c *check.C) {
	task := NewTask(context.Background())
	c.Check(task.Run(func(context.Context) error { return nil }), check.IsNil)
	c.Check(task.Run(func(context.Context) error { return nil }), check.ErrorMatches, `task already started`)
}
