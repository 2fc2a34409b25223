// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm drives the slurm command line tools (sbatch, squeue,
// scancel, sacct) on a remote computer.
package slurm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 10 * time.Second

// Stderr fragments that mean the controller is temporarily
// unreachable, rather than that the job itself is unacceptable.
var transientErrors = []string{
	"Socket timed out",
	"Unable to contact slurm controller",
	"Slurm temporarily unable to accept job",
	"Resource temporarily unavailable",
}

type slurmScheduler struct {
	submitArgs   []string
	pollInterval time.Duration
	logger       logrus.FieldLogger
}

// New returns a slurm scheduler.
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
	return &slurmScheduler{
		submitArgs:   args,
		pollInterval: interval,
		logger:       logger.WithField("Scheduler", "slurm"),
	}, nil
}

func (sch *slurmScheduler) SupportsQueryByUser() bool { return true }

func (sch *slurmScheduler) MinimumPollInterval() time.Duration { return sch.pollInterval }

func (sch *slurmScheduler) Submit(ctx context.Context, tr transport.Transport, workdir, scriptName string) (string, error) {
	argv := append([]string{"sbatch", "--parsable"}, sch.submitArgs...)
	argv = append(argv, scriptName)
	stdout, err := scheduler.Run(ctx, tr, sch.logger, scheduler.Command(workdir, argv...))
	if stderr, ok := scheduler.ExitStderr(err); ok && !isTransient(stderr) {
		return "", &scheduler.SubmitRejectedError{Exit: calc.ExitSubmissionFailed.Format(strings.TrimSpace(stderr))}
	} else if err != nil {
		return "", err
	}
	// "jobid" or "jobid;cluster"
	jobID := strings.TrimSpace(strings.SplitN(string(stdout), ";", 2)[0])
	if jobID == "" {
		return "", fmt.Errorf("sbatch did not report a job ID (stdout %q)", stdout)
	}
	return jobID, nil
}

func isTransient(stderr string) bool {
	for _, s := range transientErrors {
		if strings.Contains(stderr, s) {
			return true
		}
	}
	return false
}

func (sch *slurmScheduler) GetJobs(ctx context.Context, tr transport.Transport, ids []string, user string) (map[string]*calc.JobInfo, error) {
	argv := []string{"squeue", "--noheader", "--format=%i^^%t^^%r^^%j^^%u"}
	if user != "" {
		argv = append(argv, "--user="+user)
	} else if len(ids) > 0 {
		argv = append(argv, "--jobs="+strings.Join(ids, ","))
	}
	stdout, err := scheduler.Run(ctx, tr, sch.logger, scheduler.Command("", argv...))
	if stderr, ok := scheduler.ExitStderr(err); ok && strings.Contains(stderr, "Invalid job id specified") {
		// squeue fails this way when none of the requested
		// jobs is still in the queue.
		return map[string]*calc.JobInfo{}, nil
	} else if err != nil {
		return nil, err
	}
	return parseSqueue(string(stdout), time.Now())
}

func parseSqueue(out string, now time.Time) (map[string]*calc.JobInfo, error) {
	jobs := map[string]*calc.JobInfo{}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "^^")
		if len(fields) != 5 {
			return nil, fmt.Errorf("cannot parse squeue output line %q", line)
		}
		info := &calc.JobInfo{
			JobID:    strings.TrimSpace(fields[0]),
			Substate: fields[1],
			Title:    fields[3],
			Owner:    fields[4],
			Updated:  now,
		}
		info.State = jobState(fields[1], fields[2])
		if reason := fields[2]; reason != "" && reason != "None" {
			info.Detail = map[string]string{"reason": reason}
		}
		jobs[info.JobID] = info
	}
	return jobs, nil
}

func jobState(code, reason string) calc.JobState {
	switch code {
	case "PD":
		if strings.Contains(reason, "Held") {
			return calc.JobStateQueuedHeld
		}
		return calc.JobStateQueued
	case "CF", "R", "CG", "RS", "SO", "SI", "RQ", "RH", "RF":
		return calc.JobStateRunning
	case "S", "ST":
		return calc.JobStateSuspended
	case "CD", "CA", "F", "TO", "NF", "PR", "OOM", "BF", "DL", "RV", "SE":
		return calc.JobStateDone
	default:
		return calc.JobStateUndetermined
	}
}

func (sch *slurmScheduler) Kill(ctx context.Context, tr transport.Transport, jobID string) error {
	// Some slurm versions exit non-zero if the job has already
	// finished.
	_, err := scheduler.Run(ctx, tr, sch.logger, scheduler.Command("", "scancel", jobID))
	if stderr, ok := scheduler.ExitStderr(err); ok && strings.Contains(stderr, "already completing or completed") {
		return nil
	}
	return err
}

func (sch *slurmScheduler) DetailedJobInfo(ctx context.Context, tr transport.Transport, jobID string) (map[string]string, error) {
	stdout, err := scheduler.Run(ctx, tr, sch.logger, scheduler.Command("", "sacct",
		"--parsable2", "--allocations", "--jobs="+jobID,
		"--format=JobID,JobName,State,ExitCode,Elapsed,Start,End,NNodes,NCPUS,MaxRSS,Partition,Account"))
	if stderr, ok := scheduler.ExitStderr(err); ok && strings.Contains(stderr, "accounting storage is disabled") {
		return nil, scheduler.ErrNotAvailable
	} else if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) < 2 {
		return nil, scheduler.ErrNotAvailable
	}
	keys := strings.Split(lines[0], "|")
	values := strings.Split(lines[1], "|")
	detail := make(map[string]string, len(keys))
	for i, k := range keys {
		if i < len(values) {
			detail[k] = values[i]
		}
	}
	return detail, nil
}
