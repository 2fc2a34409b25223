// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package calcjob drives a single job through its lifecycle: upload,
// submit, wait for the scheduler, stash, retrieve and parse.
//
// Every step's outcome is persisted before the next step starts, so a
// Machine built from a persisted record resumes where the previous
// one stopped without repeating remote side effects.
package calcjob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"git.arvados.org/calcjob.git/lib/monitor"
	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/async"
	"git.arvados.org/calcjob.git/sdk/go/backoff"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/sirupsen/logrus"
)

// Result is the final outcome of a job that ran to completion.
type Result struct {
	Exit    calc.ExitCode
	Outputs map[string]interface{}
}

// Machine is the lifecycle state machine for one job.
//
// Run returns a *TransportTaskError when a remote operation keeps
// failing (the job should be paused and resumed later), a
// *PresubmitError when the job cannot be prepared, an error matching
// ErrKilled when the job was killed, and the interruption reason or
// context error when it was interrupted.
type Machine struct {
	Record       *calc.Record
	Store        Store
	Exec         Executor
	Presubmitter Presubmitter
	Parser       Parser
	Broker       transport.Borrower
	Jobs         StatusSource
	Monitors     *monitor.Registry
	Retry        backoff.Policy
	Logger       logrus.FieldLogger

	// Parent directory for retrieved folders. If empty, the
	// system temp dir is used.
	TempDir string

	mtx sync.Mutex
	// task of the command in progress
	task *async.Task
	// interruption requested while no task was running
	pending error
	// interruption most recently delivered to a task
	delivered error
}

func (m *Machine) logger() logrus.FieldLogger {
	logger := m.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"JobUUID":  m.Record.UUID,
		"Identity": m.Record.Identity,
	})
}

// Interrupt stops the command in progress at its next suspension
// point. If no command is in progress, the next command is
// interrupted as soon as it starts.
func (m *Machine) Interrupt(reason error) {
	if reason == nil {
		reason = async.ErrInterrupted
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.task != nil && m.task.Interrupt(reason) {
		m.delivered = reason
		return
	}
	if m.pending == nil {
		m.pending = reason
	}
}

// Kill interrupts the job and cancels it with the scheduler.
func (m *Machine) Kill(message string) {
	m.Interrupt(&KillRequest{Message: message})
}

// Run drives the job until it finishes, fails, or is interrupted.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	rec := m.Record
	if rec.State == "" {
		rec.State = calc.StateUploading
	}
	cmd := rec.Command
	if cmd == "" {
		cmd = rec.State.Command()
	}
	for {
		if cmd == calc.CommandParse {
			rec.Command = cmd
			if err := m.save(ctx); err != nil {
				return nil, err
			}
			res, err := m.parse(ctx)
			if err != nil {
				return nil, m.failed(ctx, cmd, err)
			}
			return res, nil
		}
		next, res, err := m.step(ctx, cmd)
		if err != nil {
			return nil, m.failed(ctx, cmd, err)
		}
		if res != nil {
			return res, nil
		}
		cmd = next
	}
}

// step runs one command and returns the command that follows it. A
// non-nil Result means the job ends here.
func (m *Machine) step(ctx context.Context, cmd calc.Command) (calc.Command, *Result, error) {
	rec := m.Record
	logger := m.logger().WithField("Command", cmd)
	rec.Command = cmd
	if err := m.save(ctx); err != nil {
		return "", nil, err
	}
	produces := cmd.Produces()
	if produces == "" {
		return "", nil, fmt.Errorf("unknown command %q", cmd)
	}
	if rec.State == produces {
		// The previous run finished this command but stopped
		// before moving on.
		logger.Info("command already completed, skipping")
		return m.following(cmd), nil, nil
	}
	var res *Result
	var err error
	switch cmd {
	case calc.CommandUpload:
		err = m.upload(ctx)
	case calc.CommandSubmit:
		res, err = m.submit(ctx)
	case calc.CommandUpdate:
		res, err = m.update(ctx)
	case calc.CommandStash:
		err = m.transportTask(ctx, cmd, m.Exec.Stash)
	case calc.CommandRetrieve:
		err = m.retrieve(ctx)
	}
	if err != nil || res != nil {
		return "", res, err
	}
	rec.State = produces
	if err := m.save(ctx); err != nil {
		return "", nil, err
	}
	logger.WithField("State", produces).Info("command completed")
	return m.following(cmd), nil, nil
}

func (m *Machine) following(cmd calc.Command) calc.Command {
	switch cmd {
	case calc.CommandUpload:
		if m.Record.SkipSubmit {
			return calc.CommandStash
		}
		return calc.CommandSubmit
	case calc.CommandSubmit:
		return calc.CommandUpdate
	case calc.CommandUpdate:
		return calc.CommandStash
	case calc.CommandStash:
		return calc.CommandRetrieve
	default:
		return calc.CommandParse
	}
}

func (m *Machine) upload(ctx context.Context) error {
	return m.transportTask(ctx, calc.CommandUpload, func(ctx context.Context, tr transport.Transport, rec *calc.Record) error {
		info, err := m.Presubmitter.Presubmit(ctx, rec)
		if err != nil {
			return backoff.Permanent(&PresubmitError{Err: err})
		}
		if err := m.Exec.Upload(ctx, tr, rec, info); err != nil {
			return err
		}
		rec.SkipSubmit = info.SkipSubmit
		return nil
	})
}

func (m *Machine) submit(ctx context.Context) (*Result, error) {
	var jobID string
	err := m.transportTask(ctx, calc.CommandSubmit, func(ctx context.Context, tr transport.Transport, rec *calc.Record) error {
		var err error
		jobID, err = m.Exec.Submit(ctx, tr, rec)
		var rejected *scheduler.SubmitRejectedError
		if errors.As(err, &rejected) {
			return backoff.Permanent(err)
		}
		return err
	})
	var rejected *scheduler.SubmitRejectedError
	if errors.As(err, &rejected) {
		m.logger().WithError(err).Warn("scheduler rejected the submission")
		m.setStatus(ctx, rejected.Exit.Message)
		return &Result{Exit: rejected.Exit}, nil
	} else if err != nil {
		return nil, err
	}
	now := time.Now()
	m.Record.JobID = jobID
	m.Record.SubmittedAt = &now
	return nil, nil
}

func (m *Machine) update(ctx context.Context) (*Result, error) {
	rec := m.Record
	logger := m.logger().WithField("Command", calc.CommandUpdate)
	var chain *monitor.Chain
	if len(rec.Monitors) > 0 {
		if m.Monitors == nil {
			return nil, errors.New("job has monitors but no monitor registry is configured")
		}
		var err error
		chain, err = monitor.NewChain(m.Monitors, rec.Monitors)
		if err != nil {
			return nil, err
		}
	}
	for {
		info, err := m.waitForUpdate(ctx)
		if err != nil {
			return nil, err
		}
		rec.LastJobInfo = info
		if info == nil || info.Done() {
			// A job the scheduler no longer reports is done.
			m.setStatus(ctx, "Job finished")
			return nil, nil
		}
		m.setStatus(ctx, fmt.Sprintf("Monitoring scheduler: job state %s", info.State))
		if chain == nil {
			continue
		}
		var outcome *monitor.Outcome
		var key string
		err = m.transportTask(ctx, "monitor", func(ctx context.Context, tr transport.Transport, rec *calc.Record) error {
			var err error
			outcome, key, err = chain.Process(ctx, rec, tr)
			return err
		})
		if err != nil {
			return nil, err
		}
		if outcome == nil {
			if err := m.save(ctx); err != nil {
				return nil, err
			}
			continue
		}
		logger.WithFields(logrus.Fields{
			"Monitor": key,
			"Action":  outcome.Action,
			"Message": outcome.Message,
		}).Info("monitor reported an outcome")
		switch outcome.Action {
		case monitor.ActionDisableAll:
			for _, spec := range rec.Monitors {
				spec.Disabled = true
			}
			chain = nil
		case monitor.ActionDisableSelf:
			chain.Disable(key)
		case monitor.ActionKill:
			if err := m.transportTask(ctx, "kill", m.Exec.Kill); err != nil {
				return nil, err
			}
			rec.MonitorOutcome = outcome
			m.setStatus(ctx, "Killed by monitor: "+outcome.Message)
		}
		if !outcome.Retrieve {
			return &Result{
				Exit:    calc.ExitStoppedByMonitor.Format(outcome.Message),
				Outputs: outcome.Outputs,
			}, nil
		}
		if outcome.Action == monitor.ActionKill {
			return nil, nil
		}
		if err := m.save(ctx); err != nil {
			return nil, err
		}
	}
}

func (m *Machine) waitForUpdate(ctx context.Context) (*calc.JobInfo, error) {
	rec := m.Record
	var info *calc.JobInfo
	err := m.retryTask(ctx, calc.CommandUpdate, func(ctx context.Context) error {
		var err error
		info, err = backoff.Run(ctx, m.policy(calc.CommandUpdate), func(ctx context.Context) (*calc.JobInfo, error) {
			f, cancel, err := m.Jobs.RequestUpdate(rec.Identity, rec.JobID)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			defer cancel()
			return f.Wait(ctx)
		})
		return err
	})
	return info, err
}

func (m *Machine) retrieve(ctx context.Context) error {
	rec := m.Record
	dir, err := os.MkdirTemp(m.TempDir, "calcjob-retrieved-")
	if err != nil {
		return err
	}
	err = m.transportTask(ctx, calc.CommandRetrieve, func(ctx context.Context, tr transport.Transport, rec *calc.Record) error {
		return m.Exec.Retrieve(ctx, tr, rec, dir)
	})
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	rec.RetrievedFolder = dir
	return nil
}

func (m *Machine) parse(ctx context.Context) (*Result, error) {
	rec := m.Record
	outcome := rec.MonitorOutcome
	if outcome != nil && !outcome.Parse {
		return &Result{
			Exit:    calc.ExitStoppedByMonitor.Format(outcome.Message),
			Outputs: outcome.Outputs,
		}, nil
	}
	if rec.RetrievedFolder == "" {
		return &Result{Exit: calc.ExitNoRetrievedFolder}, nil
	}
	if _, err := os.Stat(rec.RetrievedFolder); os.IsNotExist(err) {
		return &Result{Exit: calc.ExitNoRetrievedFolder}, nil
	}
	m.setStatus(ctx, "Parsing retrieved files")
	exit, outputs, err := m.Parser.Parse(ctx, rec, rec.RetrievedFolder)
	if err != nil {
		return nil, fmt.Errorf("parser: %w", err)
	}
	if outcome != nil {
		if outcome.OverrideExitCode {
			exit = calc.ExitStoppedByMonitor.Format(outcome.Message)
		}
		if len(outcome.Outputs) > 0 && outputs == nil {
			outputs = map[string]interface{}{}
		}
		for k, v := range outcome.Outputs {
			outputs[k] = v
		}
	}
	return &Result{Exit: exit, Outputs: outputs}, nil
}

// transportTask runs op with a borrowed transport, retrying failures
// according to m.Retry.
func (m *Machine) transportTask(ctx context.Context, name calc.Command, op func(context.Context, transport.Transport, *calc.Record) error) error {
	m.setStatus(ctx, fmt.Sprintf("Waiting for transport task: %s", name))
	return m.retryTask(ctx, name, func(ctx context.Context) error {
		return backoff.Retry(ctx, m.policy(name), func(ctx context.Context) error {
			lease, err := m.Broker.Borrow(ctx, m.Record.Identity)
			if err != nil {
				return err
			}
			defer lease.Release()
			return op(ctx, lease.Transport(), m.Record)
		})
	})
}

// retryTask runs fn as an interruptible task. A failure that is not
// an interruption, cancellation, or permanent error means fn gave up
// retrying, and is returned as a *TransportTaskError.
func (m *Machine) retryTask(ctx context.Context, name calc.Command, fn func(context.Context) error) error {
	err := m.interruptible(ctx, fn)
	if err == nil || ctx.Err() != nil || m.isInterruption(err) || backoff.IsPermanent(err) {
		return err
	}
	return &TransportTaskError{Command: string(name), Err: err}
}

func (m *Machine) interruptible(ctx context.Context, fn func(context.Context) error) error {
	m.mtx.Lock()
	if reason := m.pending; reason != nil {
		m.pending = nil
		m.delivered = reason
		m.mtx.Unlock()
		return reason
	}
	task := async.NewTask(ctx)
	m.task = task
	m.mtx.Unlock()
	defer func() {
		m.mtx.Lock()
		m.task = nil
		m.mtx.Unlock()
	}()
	return task.Run(fn)
}

func (m *Machine) isInterruption(err error) bool {
	m.mtx.Lock()
	reason := m.delivered
	m.mtx.Unlock()
	return reason != nil && errors.Is(err, reason)
}

func (m *Machine) policy(name calc.Command) backoff.Policy {
	p := m.Retry
	p.Name = string(name)
	p.Logger = m.logger()
	return p
}

// failed records why the job stopped, runs the remote kill if one
// was requested, and returns the error Run should return.
func (m *Machine) failed(ctx context.Context, cmd calc.Command, err error) error {
	rec := m.Record
	logger := m.logger().WithField("Command", cmd)
	var kill *KillRequest
	var tte *TransportTaskError
	var pse *PresubmitError
	switch {
	case errors.As(err, &kill):
		status := "Killed"
		if kill.Message != "" {
			status += ": " + kill.Message
		}
		if rec.State != calc.StateUploading && rec.State != calc.StateSubmitting {
			if kerr := m.transportTask(context.WithoutCancel(ctx), "kill", m.Exec.Kill); kerr != nil {
				logger.WithError(kerr).Warn("remote kill failed")
				status += fmt.Sprintf(" (remote kill failed: %s)", kerr)
			}
		}
		m.setStatus(ctx, status)
		logger.Info("job killed")
		return kill
	case errors.As(err, &tte):
		m.setStatus(ctx, "Pausing after failed transport task: "+tte.Error())
		logger.WithError(err).Warn("pausing job")
	case errors.As(err, &pse):
		m.setStatus(ctx, pse.Error())
		logger.WithError(err).Warn("cannot prepare job")
		return pse
	case ctx.Err() != nil || m.isInterruption(err) || errors.Is(err, context.Canceled):
		m.setStatus(ctx, fmt.Sprintf("Interrupted during %s command", cmd))
		logger.WithError(err).Info("job interrupted")
	default:
		m.setStatus(ctx, err.Error())
		logger.WithError(err).Error("job failed")
	}
	return err
}

func (m *Machine) setStatus(ctx context.Context, status string) {
	m.Record.ProcessStatus = status
	if err := m.save(ctx); err != nil {
		m.logger().WithError(err).Warn("error saving job status")
	}
}

// save persists the record even if ctx has been cancelled, so an
// interrupted job's last state is not lost.
func (m *Machine) save(ctx context.Context) error {
	if m.Store == nil {
		return nil
	}
	return m.Store.Save(context.WithoutCancel(ctx), m.Record)
}
