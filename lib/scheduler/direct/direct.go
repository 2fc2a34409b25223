// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package direct runs job scripts as background processes, without a
// batch scheduler. The job ID is the process ID.
package direct

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/sirupsen/logrus"
)

const defaultPollInterval = time.Second

// Files in the working directory that receive the script's output.
const (
	StdoutFile = "_scheduler-stdout.txt"
	StderrFile = "_scheduler-stderr.txt"
)

type directScheduler struct {
	submitArgs   []string
	pollInterval time.Duration
	logger       logrus.FieldLogger
}

// New returns a direct scheduler. SubmitArgs, if given, are passed to
// the shell that runs the job script.
func New(opts scheduler.Options) (scheduler.Scheduler, error) {
	args, err := scheduler.SplitArgs(opts.SubmitArgs)
	if err != nil {
		return nil, err
	}
	interval := opts.MinimumPollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &directScheduler{
		submitArgs:   args,
		pollInterval: interval,
		logger:       logger.WithField("Scheduler", "direct"),
	}, nil
}

// Listing all of a user's processes is no cheaper than listing the
// ones we want.
func (sch *directScheduler) SupportsQueryByUser() bool { return false }

func (sch *directScheduler) MinimumPollInterval() time.Duration { return sch.pollInterval }

func (sch *directScheduler) Submit(ctx context.Context, tr transport.Transport, workdir, scriptName string) (string, error) {
	argv := append(append([]string{"nohup", "/bin/sh"}, sch.submitArgs...), scriptName)
	cmd := "cd " + transport.Quote(workdir) + " && { " + scheduler.Command("", argv...) +
		" >" + transport.Quote(StdoutFile) +
		" 2>" + transport.Quote(StderrFile) +
		" </dev/null & echo $!; }"
	stdout, err := scheduler.Run(ctx, tr, sch.logger, cmd)
	if stderr, ok := scheduler.ExitStderr(err); ok {
		// The background job did not even start, e.g.,
		// workdir is missing.
		return "", &scheduler.SubmitRejectedError{Exit: calc.ExitSubmissionFailed.Format(strings.TrimSpace(stderr))}
	} else if err != nil {
		return "", err
	}
	pid := strings.TrimSpace(string(stdout))
	if _, err := strconv.Atoi(pid); err != nil {
		return "", fmt.Errorf("cannot parse process ID from %q", stdout)
	}
	return pid, nil
}

func (sch *directScheduler) GetJobs(ctx context.Context, tr transport.Transport, ids []string, user string) (map[string]*calc.JobInfo, error) {
	if len(ids) == 0 {
		return map[string]*calc.JobInfo{}, nil
	}
	stdout, err := scheduler.Run(ctx, tr, sch.logger, scheduler.Command("", "ps", "-o", "pid=,stat=,user=,comm=", "-p", strings.Join(ids, ",")))
	// ps exits 1 if none of the processes exist.
	if _, exited := scheduler.ExitStderr(err); err != nil && !(exited && len(strings.TrimSpace(string(stdout))) == 0) {
		return nil, err
	}
	return parsePs(string(stdout), time.Now()), nil
}

func parsePs(out string, now time.Time) map[string]*calc.JobInfo {
	jobs := map[string]*calc.JobInfo{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		info := &calc.JobInfo{
			JobID:    fields[0],
			State:    jobState(fields[1]),
			Substate: fields[1],
			Owner:    fields[2],
			Updated:  now,
		}
		if len(fields) > 3 {
			info.Title = fields[3]
		}
		jobs[info.JobID] = info
	}
	return jobs
}

func jobState(stat string) calc.JobState {
	if stat == "" {
		return calc.JobStateUndetermined
	}
	switch stat[0] {
	case 'R', 'S', 'D', 'I', 'W':
		return calc.JobStateRunning
	case 'T', 't':
		return calc.JobStateSuspended
	case 'Z', 'X':
		return calc.JobStateDone
	default:
		return calc.JobStateUndetermined
	}
}

func (sch *directScheduler) Kill(ctx context.Context, tr transport.Transport, jobID string) error {
	_, err := scheduler.Run(ctx, tr, sch.logger, scheduler.Command("", "kill", jobID))
	if stderr, ok := scheduler.ExitStderr(err); ok && strings.Contains(stderr, "No such process") {
		return nil
	}
	return err
}

func (sch *directScheduler) DetailedJobInfo(context.Context, transport.Transport, string) (map[string]string, error) {
	return nil, scheduler.ErrNotAvailable
}
