// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package calc

import "time"

// JobState is a remote job's state as reported by the scheduler.
type JobState string

const (
	JobStateUndetermined JobState = "undetermined"
	JobStateQueued       JobState = "queued"
	JobStateQueuedHeld   JobState = "queued held"
	JobStateRunning      JobState = "running"
	JobStateSuspended    JobState = "suspended"
	JobStateDone         JobState = "done"
)

// JobInfo is the scheduler's view of one remote job. A JobInfo is
// produced by a batched scheduler query and is not modified
// afterwards; the next query supersedes it.
type JobInfo struct {
	JobID      string    `json:"job_id"`
	State      JobState  `json:"job_state"`
	Substate   string    `json:"job_substate,omitempty"`
	Title      string    `json:"title,omitempty"`
	Owner      string    `json:"job_owner,omitempty"`
	ExitStatus *int      `json:"exit_status,omitempty"`
	Updated    time.Time `json:"updated"`

	// Scheduler-specific accounting fields, if any.
	Detail map[string]string `json:"detail,omitempty"`
}

// Done returns true if the job is known to have finished.
func (ji *JobInfo) Done() bool {
	return ji != nil && ji.State == JobStateDone
}
