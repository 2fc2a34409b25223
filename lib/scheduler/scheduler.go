// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler defines the interface to batch schedulers
// (slurm, LSF, ...) running on remote computers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// ErrNotAvailable is returned by DetailedJobInfo when the scheduler
// does not provide accounting information.
var ErrNotAvailable = errors.New("detailed job info not available")

// A SubmitRejectedError means the scheduler refused a job outright.
// Retrying the same submission will not help.
type SubmitRejectedError struct {
	Exit calc.ExitCode
}

func (e *SubmitRejectedError) Error() string {
	return "submission rejected: " + e.Exit.Message
}

// A Scheduler submits and tracks jobs on a remote computer. All
// operations run their commands through the given transport, which
// must be open.
type Scheduler interface {
	// Submit the script (already uploaded to workdir) and return
	// the scheduler's job ID.
	Submit(ctx context.Context, tr transport.Transport, workdir, scriptName string) (string, error)
	// Return the status of the given jobs, or (if user is not
	// empty) all jobs belonging to user. Jobs that the scheduler
	// no longer knows about are absent from the result.
	GetJobs(ctx context.Context, tr transport.Transport, ids []string, user string) (map[string]*calc.JobInfo, error)
	// Cancel a job. Killing a job that has already finished is
	// not an error.
	Kill(ctx context.Context, tr transport.Transport, jobID string) error
	// Return accounting details for a job, or ErrNotAvailable.
	DetailedJobInfo(ctx context.Context, tr transport.Transport, jobID string) (map[string]string, error)
	// GetJobs can list a user's jobs more efficiently than
	// listing specific IDs.
	SupportsQueryByUser() bool
	// Minimum time between consecutive GetJobs calls for the
	// same identity.
	MinimumPollInterval() time.Duration
}

// Options configure a Scheduler.
type Options struct {
	// Extra arguments for the submit command, as shell words.
	SubmitArgs          string
	MinimumPollInterval time.Duration
	Logger              logrus.FieldLogger
}

// A Driver returns a new Scheduler.
type Driver func(Options) (Scheduler, error)

// SplitArgs parses shell words.
func SplitArgs(s string) ([]string, error) {
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("cannot parse arguments %q: %w", s, err)
	}
	return args, nil
}

// Command returns a shell command that runs argv, optionally in the
// given directory.
func Command(dir string, argv ...string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = transport.Quote(arg)
	}
	cmd := strings.Join(quoted, " ")
	if dir != "" {
		cmd = "cd " + transport.Quote(dir) + " && " + cmd
	}
	return cmd
}

// Run executes a shell command and returns its stdout. If the command
// exits non-zero, the returned *transport.ExitError includes stderr.
func Run(ctx context.Context, tr transport.Transport, logger logrus.FieldLogger, cmd string) ([]byte, error) {
	stdout, stderr, err := tr.Exec(ctx, cmd, nil)
	if err != nil || len(stderr) > 0 {
		logger.WithFields(logrus.Fields{
			"Command": cmd,
			"Stderr":  strings.TrimSpace(string(stderr)),
		}).WithError(err).Debug("scheduler command")
	}
	var ee *transport.ExitError
	if errors.As(err, &ee) && ee.Stderr == nil {
		ee.Stderr = stderr
	}
	return stdout, err
}

// ExitStderr returns the stderr of a remote command that exited
// non-zero, and false if err is some other kind of error.
func ExitStderr(err error) (string, bool) {
	var ee *transport.ExitError
	if errors.As(err, &ee) {
		return string(ee.Stderr), true
	}
	return "", false
}
