// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package calcjob

import (
	"errors"
	"fmt"
)

// ErrKilled matches every *KillRequest (with errors.Is).
var ErrKilled = errors.New("killed")

// A KillRequest is the interruption reason used by Machine.Kill.
type KillRequest struct {
	Message string
}

func (kr *KillRequest) Error() string {
	if kr.Message == "" {
		return "killed"
	}
	return "killed: " + kr.Message
}

func (kr *KillRequest) Is(target error) bool {
	return target == ErrKilled
}

// A TransportTaskError means a remote operation kept failing until
// the retry policy gave up. The job can be resumed later from its
// last persisted state.
type TransportTaskError struct {
	Command string
	Err     error
}

func (e *TransportTaskError) Error() string {
	return fmt.Sprintf("%s failed after retries: %s", e.Command, e.Err)
}

func (e *TransportTaskError) Unwrap() error {
	return e.Err
}

// A PresubmitError means the job's payload could not be prepared.
// It is never retried.
type PresubmitError struct {
	Err error
}

func (e *PresubmitError) Error() string {
	return "presubmission failed: " + e.Err.Error()
}

func (e *PresubmitError) Unwrap() error {
	return e.Err
}
