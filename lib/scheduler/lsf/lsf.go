// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package lsf drives the LSF command line tools (bsub, bjobs, bkill)
// on a remote computer.
package lsf

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 10 * time.Second

var bsubJobID = regexp.MustCompile(`Job <(\d+)> is submitted`)

// Stderr fragments that indicate a temporary problem with the LSF
// daemons.
var transientErrors = []string{
	"batch system daemon not responding",
	"LSF is down",
	"Failed in an LSF library call",
}

type bjobsEntry struct {
	ID         string `json:"JOBID"`
	Name       string `json:"JOB_NAME"`
	Stat       string `json:"STAT"`
	PendReason string `json:"PEND_REASON"`
	User       string `json:"USER"`
	ExitCode   string `json:"EXIT_CODE"`
	Error      string `json:"ERROR"`
}

type lsfScheduler struct {
	submitArgs   []string
	pollInterval time.Duration
	logger       logrus.FieldLogger
}

// New returns an LSF scheduler.
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
	return &lsfScheduler{
		submitArgs:   args,
		pollInterval: interval,
		logger:       logger.WithField("Scheduler", "lsf"),
	}, nil
}

func (sch *lsfScheduler) SupportsQueryByUser() bool { return true }

func (sch *lsfScheduler) MinimumPollInterval() time.Duration { return sch.pollInterval }

func (sch *lsfScheduler) Submit(ctx context.Context, tr transport.Transport, workdir, scriptName string) (string, error) {
	// bsub reads the job script from stdin.
	cmd := scheduler.Command(workdir, append([]string{"bsub"}, sch.submitArgs...)...) + " < " + transport.Quote(scriptName)
	stdout, err := scheduler.Run(ctx, tr, sch.logger, cmd)
	if stderr, ok := scheduler.ExitStderr(err); ok && !isTransient(stderr) {
		return "", &scheduler.SubmitRejectedError{Exit: calc.ExitSubmissionFailed.Format(strings.TrimSpace(stderr))}
	} else if err != nil {
		return "", err
	}
	m := bsubJobID.FindSubmatch(stdout)
	if m == nil {
		return "", fmt.Errorf("bsub did not report a job ID (stdout %q)", stdout)
	}
	return string(m[1]), nil
}

func isTransient(stderr string) bool {
	for _, s := range transientErrors {
		if strings.Contains(stderr, s) {
			return true
		}
	}
	return false
}

func (sch *lsfScheduler) GetJobs(ctx context.Context, tr transport.Transport, ids []string, user string) (map[string]*calc.JobInfo, error) {
	argv := []string{"bjobs", "-a", "-o", "jobid stat job_name pend_reason user exit_code", "-json"}
	if user != "" {
		argv = append(argv, "-u", user)
	} else {
		argv = append(argv, "-u", "all")
		argv = append(argv, ids...)
	}
	stdout, err := scheduler.Run(ctx, tr, sch.logger, scheduler.Command("", argv...))
	// bjobs exits non-zero if any requested job is not found, but
	// still reports the others.
	if _, exited := scheduler.ExitStderr(err); err != nil && !(exited && len(stdout) > 0) {
		return nil, err
	}
	return parseBjobs(stdout, time.Now())
}

func parseBjobs(buf []byte, now time.Time) (map[string]*calc.JobInfo, error) {
	var resp struct {
		Records []bjobsEntry `json:"RECORDS"`
	}
	if err := json.Unmarshal(buf, &resp); err != nil {
		return nil, fmt.Errorf("cannot parse bjobs output: %w", err)
	}
	jobs := map[string]*calc.JobInfo{}
	for _, ent := range resp.Records {
		if ent.Error != "" || ent.ID == "" {
			// "Job <123> is not found"
			continue
		}
		info := &calc.JobInfo{
			JobID:    ent.ID,
			State:    jobState(ent.Stat),
			Substate: ent.Stat,
			Title:    ent.Name,
			Owner:    ent.User,
			Updated:  now,
		}
		if ent.PendReason != "" {
			info.Detail = map[string]string{"pend_reason": ent.PendReason}
		}
		if ent.ExitCode != "" {
			var code int
			if _, err := fmt.Sscanf(ent.ExitCode, "%d", &code); err == nil {
				info.ExitStatus = &code
			}
		}
		jobs[ent.ID] = info
	}
	return jobs, nil
}

func jobState(stat string) calc.JobState {
	switch stat {
	case "PEND":
		return calc.JobStateQueued
	case "PSUSP":
		return calc.JobStateQueuedHeld
	case "RUN", "PROV", "WAIT":
		return calc.JobStateRunning
	case "USUSP", "SSUSP":
		return calc.JobStateSuspended
	case "DONE", "EXIT", "ZOMBI":
		return calc.JobStateDone
	default:
		return calc.JobStateUndetermined
	}
}

func (sch *lsfScheduler) Kill(ctx context.Context, tr transport.Transport, jobID string) error {
	stdout, err := scheduler.Run(ctx, tr, sch.logger, scheduler.Command("", "bkill", jobID))
	stderr, _ := scheduler.ExitStderr(err)
	if err == nil || strings.Contains(stderr+string(stdout), "already finished") {
		return nil
	}
	return err
}

func (sch *lsfScheduler) DetailedJobInfo(context.Context, transport.Transport, string) (map[string]string, error) {
	return nil, scheduler.ErrNotAvailable
}
