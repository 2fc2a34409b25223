// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package backoff retries failing operations with exponentially
// increasing delays.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidAttempts is returned by Run when the policy allows fewer
// than one attempt. The operation is not called.
var ErrInvalidAttempts = errors.New("backoff: max attempts must be at least 1")

// Policy controls Run.
type Policy struct {
	// Delay after the first failure. Each subsequent delay is
	// twice the previous one.
	Initial time.Duration

	// Total number of attempts, including the first.
	MaxAttempts int

	// Errors (matched with errors.Is) that are returned
	// immediately without retrying. Context cancellation and
	// Permanent errors are always returned immediately.
	Ignore []error

	// Description of the operation, used in log messages.
	Name string

	Logger logrus.FieldLogger

	// If non-nil, Sleep is called instead of waiting on a timer.
	// It must return a non-nil error if ctx is done first.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run calls op until it succeeds, fails with an error that should
// not be retried, or has been called p.MaxAttempts times. After the
// nth failure, Run waits p.Initial * 2^(n-1) before trying again.
//
// The error returned after the last attempt is op's own error.
func Run[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		return zero, ErrInvalidAttempts
	}
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	interval := p.Initial
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !p.retryable(ctx, err) {
			return zero, err
		}
		if attempt >= p.MaxAttempts {
			logger.WithError(err).WithFields(logrus.Fields{
				"Operation":   p.Name,
				"Attempt":     attempt,
				"MaxAttempts": p.MaxAttempts,
			}).Warn("giving up after final attempt")
			return zero, err
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"Operation":   p.Name,
			"Attempt":     attempt,
			"MaxAttempts": p.MaxAttempts,
			"Delay":       interval,
		}).Warn("attempt failed, will retry")
		if serr := sleep(ctx, interval); serr != nil {
			return zero, serr
		}
		interval *= 2
	}
}

// Retry is Run for operations that have no result value.
func Retry(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Run(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (p Policy) retryable(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if cause := context.Cause(ctx); cause != nil && errors.Is(err, cause) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	for _, ign := range p.Ignore {
		if errors.Is(err, ign) {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

type permanentError struct {
	err error
}

func (pe *permanentError) Error() string { return pe.err.Error() }
func (pe *permanentError) Unwrap() error { return pe.err }

// Permanent wraps err so Run returns it immediately without
// retrying. errors.Is and errors.As see through the wrapper.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// IsPermanent returns true if err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

