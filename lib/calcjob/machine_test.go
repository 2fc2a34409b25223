// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package calcjob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"git.arvados.org/calcjob.git/lib/monitor"
	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/lib/transport/transporttest"
	"git.arvados.org/calcjob.git/sdk/go/async"
	"git.arvados.org/calcjob.git/sdk/go/backoff"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"git.arvados.org/calcjob.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&MachineSuite{})

type fakeExec struct {
	mtx   sync.Mutex
	calls []string

	upload   func(ctx context.Context, attempt int) error
	submit   func() (string, error)
	retrieve func(dir string) error
}

func (fe *fakeExec) record(call string) int {
	fe.mtx.Lock()
	defer fe.mtx.Unlock()
	fe.calls = append(fe.calls, call)
	n := 0
	for _, c := range fe.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (fe *fakeExec) Calls() []string {
	fe.mtx.Lock()
	defer fe.mtx.Unlock()
	return append([]string(nil), fe.calls...)
}

func (fe *fakeExec) Upload(ctx context.Context, tr transport.Transport, rec *calc.Record, info *calc.CalcInfo) error {
	n := fe.record("upload")
	if fe.upload != nil {
		if err := fe.upload(ctx, n); err != nil {
			return err
		}
	}
	rec.RemoteWorkdir = "/scratch/" + rec.UUID
	rec.RetrieveList = info.RetrieveList
	rec.Monitors = info.Monitors
	return nil
}

func (fe *fakeExec) Submit(ctx context.Context, tr transport.Transport, rec *calc.Record) (string, error) {
	fe.record("submit")
	if fe.submit != nil {
		return fe.submit()
	}
	return "42", nil
}

func (fe *fakeExec) Kill(ctx context.Context, tr transport.Transport, rec *calc.Record) error {
	fe.record("kill")
	return nil
}

func (fe *fakeExec) Stash(ctx context.Context, tr transport.Transport, rec *calc.Record) error {
	fe.record("stash")
	return nil
}

func (fe *fakeExec) Retrieve(ctx context.Context, tr transport.Transport, rec *calc.Record, dir string) error {
	fe.record("retrieve")
	if fe.retrieve != nil {
		return fe.retrieve(dir)
	}
	return os.WriteFile(filepath.Join(dir, "out.txt"), []byte("ok\n"), 0644)
}

// fakeJobs reports the given statuses in order, then never answers.
type fakeJobs struct {
	mtx      sync.Mutex
	infos    []*calc.JobInfo
	requests int
}

func (fj *fakeJobs) RequestUpdate(id calc.Identity, jobID string) (*async.Future[*calc.JobInfo], func(), error) {
	fj.mtx.Lock()
	defer fj.mtx.Unlock()
	f := async.NewFuture[*calc.JobInfo]()
	if fj.requests < len(fj.infos) {
		f.Resolve(fj.infos[fj.requests])
	}
	fj.requests++
	return f, func() {}, nil
}

func (fj *fakeJobs) Requests() int {
	fj.mtx.Lock()
	defer fj.mtx.Unlock()
	return fj.requests
}

type fakeStore struct {
	mtx   sync.Mutex
	saved []calc.Record
}

func (fs *fakeStore) Save(ctx context.Context, rec *calc.Record) error {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	fs.saved = append(fs.saved, *rec)
	return nil
}

// States returns the distinct persisted states, in order.
func (fs *fakeStore) States() []calc.State {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	var states []calc.State
	for _, rec := range fs.saved {
		if len(states) == 0 || states[len(states)-1] != rec.State {
			states = append(states, rec.State)
		}
	}
	return states
}

type presubmitFunc func(context.Context, *calc.Record) (*calc.CalcInfo, error)

func (f presubmitFunc) Presubmit(ctx context.Context, rec *calc.Record) (*calc.CalcInfo, error) {
	return f(ctx, rec)
}

var running = &calc.JobInfo{JobID: "42", State: calc.JobStateRunning}

type MachineSuite struct {
	exec    *fakeExec
	jobs    *fakeJobs
	store   *fakeStore
	logbuf  bytes.Buffer
	machine *Machine
}

func (s *MachineSuite) SetUpTest(c *check.C) {
	s.exec = &fakeExec{}
	s.jobs = &fakeJobs{}
	s.store = &fakeStore{}
	s.logbuf.Reset()
	broker := transport.NewBroker(ctxlog.TestLogger(c), nil, func(calc.Identity) (transport.Transport, error) {
		return &transporttest.Stub{}, nil
	})
	s.machine = &Machine{
		Record: &calc.Record{
			UUID:     "ab12cd34-0000-4000-8000-000000000000",
			Identity: calc.Identity{Computer: "hpc1", User: "alice"},
			Input: &calc.CalcInfo{
				Script:       "#!/bin/sh\n",
				RetrieveList: []string{"out.txt"},
			},
		},
		Store:        s.store,
		Exec:         s.exec,
		Presubmitter: StaticPresubmitter{},
		Parser:       FileListParser{},
		Broker:       broker,
		Jobs:         s.jobs,
		Monitors:     monitor.NewRegistry(),
		Retry:        backoff.Policy{Initial: time.Millisecond, MaxAttempts: 3},
		Logger:       ctxlog.New(&s.logbuf, "text", "debug"),
		TempDir:      c.MkDir(),
	}
}

func (s *MachineSuite) run(c *check.C) (*Result, error) {
	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = s.machine.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.Fatal("timed out")
	}
	return res, err
}

func (s *MachineSuite) TestFullLifecycle(c *check.C) {
	s.jobs.infos = []*calc.JobInfo{running, running, {JobID: "42", State: calc.JobStateDone}}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitOK)
	c.Check(res.Outputs, check.DeepEquals, map[string]interface{}{"retrieved_files": []string{"out.txt"}})
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit", "stash", "retrieve"})
	c.Check(s.jobs.Requests(), check.Equals, 3)
	c.Check(s.store.States(), check.DeepEquals, []calc.State{
		calc.StateUploading,
		calc.StateSubmitting,
		calc.StateWithScheduler,
		calc.StateStashing,
		calc.StateRetrieving,
		calc.StateParsing,
	})
	rec := s.machine.Record
	c.Check(rec.JobID, check.Equals, "42")
	c.Check(rec.SubmittedAt, check.NotNil)
	c.Check(rec.Command, check.Equals, calc.CommandParse)
	c.Check(rec.LastJobInfo.State, check.Equals, calc.JobStateDone)
	c.Check(filepath.Dir(rec.RetrievedFolder), check.Equals, s.machine.TempDir)
}

// A job the scheduler no longer reports is treated as done.
func (s *MachineSuite) TestAbsentJobIsDone(c *check.C) {
	s.jobs.infos = []*calc.JobInfo{running, nil}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitOK)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit", "stash", "retrieve"})
	c.Check(s.machine.Record.LastJobInfo, check.IsNil)
}

func (s *MachineSuite) TestResumeWithScheduler(c *check.C) {
	rec := s.machine.Record
	rec.State = calc.StateWithScheduler
	rec.JobID = "42"
	rec.RetrieveList = []string{"out.txt"}
	s.jobs.infos = []*calc.JobInfo{nil}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitOK)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"stash", "retrieve"})
}

// The process stopped after submitting, but before recording the
// next command.
func (s *MachineSuite) TestResumeSkipsCompletedCommand(c *check.C) {
	rec := s.machine.Record
	rec.State = calc.StateWithScheduler
	rec.Command = calc.CommandSubmit
	rec.JobID = "42"
	s.jobs.infos = []*calc.JobInfo{nil}
	_, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"stash", "retrieve"})
	c.Check(s.jobs.Requests(), check.Equals, 1)
}

func (s *MachineSuite) TestSkipSubmit(c *check.C) {
	s.machine.Record.Input.SkipSubmit = true
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitOK)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "stash", "retrieve"})
	c.Check(s.jobs.Requests(), check.Equals, 0)
}

func (s *MachineSuite) TestPresubmitErrorIsNotRetried(c *check.C) {
	s.machine.Presubmitter = presubmitFunc(func(context.Context, *calc.Record) (*calc.CalcInfo, error) {
		return nil, errors.New("unknown pseudopotential family")
	})
	_, err := s.run(c)
	var pse *PresubmitError
	c.Assert(errors.As(err, &pse), check.Equals, true)
	c.Check(err, check.ErrorMatches, `presubmission failed: unknown pseudopotential family`)
	c.Check(s.exec.Calls(), check.HasLen, 0)
	c.Check(s.logbuf.String(), check.Not(check.Matches), `(?ms).*will retry.*`)
	c.Check(s.machine.Record.ProcessStatus, check.Equals, pse.Error())
	c.Check(s.machine.Record.State, check.Equals, calc.StateUploading)
}

func (s *MachineSuite) TestSubmitRejected(c *check.C) {
	exit := calc.ExitSubmissionFailed.Format("Invalid account")
	s.exec.submit = func() (string, error) {
		return "", &scheduler.SubmitRejectedError{Exit: exit}
	}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, exit)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit"})
	c.Check(s.machine.Record.State, check.Equals, calc.StateSubmitting)
}

func (s *MachineSuite) TestTransientFailureRecovers(c *check.C) {
	s.exec.upload = func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	s.jobs.infos = []*calc.JobInfo{nil}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitOK)
	c.Check(s.exec.Calls()[:3], check.DeepEquals, []string{"upload", "upload", "submit"})
	c.Check(s.logbuf.String(), check.Matches, `(?ms).*attempt failed, will retry.*`)
}

func (s *MachineSuite) TestTransientFailurePauses(c *check.C) {
	s.exec.upload = func(context.Context, int) error {
		return errors.New("connection reset by peer")
	}
	_, err := s.run(c)
	var tte *TransportTaskError
	c.Assert(errors.As(err, &tte), check.Equals, true)
	c.Check(tte.Command, check.Equals, "upload")
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "upload", "upload"})
	rec := s.machine.Record
	c.Check(rec.ProcessStatus, check.Matches, `Pausing after failed transport task: upload failed after retries: connection reset by peer`)
	c.Check(rec.State, check.Equals, calc.StateUploading)
	c.Check(rec.Command, check.Equals, calc.CommandUpload)
}

func (s *MachineSuite) addMonitor(c *check.C, fn interface{}) {
	c.Assert(s.machine.Monitors.Register("test.monitor", fn), check.IsNil)
	s.machine.Record.Input.Monitors = map[string]*calc.MonitorSpec{
		"m": {EntryPoint: "test.monitor"},
	}
}

func (s *MachineSuite) TestMonitorKill(c *check.C) {
	calls := 0
	s.addMonitor(c, func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (string, error) {
		calls++
		return "walltime exceeded", nil
	})
	s.jobs.infos = []*calc.JobInfo{running}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(calls, check.Equals, 1)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit", "kill", "stash", "retrieve"})
	c.Check(res.Exit, check.Equals, calc.ExitStoppedByMonitor.Format("walltime exceeded"))
	c.Check(res.Outputs["retrieved_files"], check.DeepEquals, []string{"out.txt"})
	c.Check(s.machine.Record.MonitorOutcome.Message, check.Equals, "walltime exceeded")
}

func (s *MachineSuite) TestMonitorKillWithoutRetrieve(c *check.C) {
	s.addMonitor(c, func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (*monitor.Outcome, error) {
		o := monitor.NewOutcome("diverging")
		o.Retrieve = false
		return o, nil
	})
	s.jobs.infos = []*calc.JobInfo{running}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitStoppedByMonitor.Format("diverging"))
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit", "kill"})
	c.Check(s.machine.Record.State, check.Equals, calc.StateWithScheduler)
}

func (s *MachineSuite) TestMonitorNoParse(c *check.C) {
	s.addMonitor(c, func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (*monitor.Outcome, error) {
		o := monitor.NewOutcome("enough")
		o.Parse = false
		return o, nil
	})
	s.jobs.infos = []*calc.JobInfo{running}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitStoppedByMonitor.Format("enough"))
	c.Check(res.Outputs, check.IsNil)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit", "kill", "stash", "retrieve"})
}

func (s *MachineSuite) TestMonitorNoOverride(c *check.C) {
	s.addMonitor(c, func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (*monitor.Outcome, error) {
		o := monitor.NewOutcome("enough")
		o.OverrideExitCode = false
		o.Outputs = map[string]interface{}{"stopped": true}
		return o, nil
	})
	s.jobs.infos = []*calc.JobInfo{running}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitOK)
	c.Check(res.Outputs, check.DeepEquals, map[string]interface{}{
		"retrieved_files": []string{"out.txt"},
		"stopped":         true,
	})
}

func (s *MachineSuite) TestMonitorDisableSelf(c *check.C) {
	calls := 0
	s.addMonitor(c, func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (*monitor.Outcome, error) {
		calls++
		return monitor.DisableSelf("that's enough checking"), nil
	})
	s.jobs.infos = []*calc.JobInfo{running, running, running, nil}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitOK)
	c.Check(calls, check.Equals, 1)
	c.Check(s.machine.Record.Monitors["m"].Disabled, check.Equals, true)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit", "stash", "retrieve"})
}

func (s *MachineSuite) TestMonitorError(c *check.C) {
	s.addMonitor(c, func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (string, error) {
		return "", errors.New("cannot read output")
	})
	s.jobs.infos = []*calc.JobInfo{running}
	_, err := s.run(c)
	var tte *TransportTaskError
	c.Assert(errors.As(err, &tte), check.Equals, true)
	c.Check(tte.Command, check.Equals, "monitor")
	c.Check(err, check.ErrorMatches, `.*cannot read output`)
}

func (s *MachineSuite) TestMonitorErrorWithInterval(c *check.C) {
	calls := 0
	c.Assert(s.machine.Monitors.Register("test.monitor", func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (string, error) {
		calls++
		return "", errors.New("cannot read output")
	}), check.IsNil)
	s.machine.Record.Input.Monitors = map[string]*calc.MonitorSpec{
		"m": {EntryPoint: "test.monitor", MinimumPollInterval: calc.Duration(time.Hour)},
	}
	s.jobs.infos = []*calc.JobInfo{running, nil}
	_, err := s.run(c)
	var tte *TransportTaskError
	c.Assert(errors.As(err, &tte), check.Equals, true, check.Commentf("err = %v", err))
	c.Check(tte.Command, check.Equals, "monitor")
	c.Check(calls, check.Equals, 3)
	c.Check(s.machine.Record.Monitors["m"].CallTimestamp.IsZero(), check.Equals, true)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit"})
	c.Check(s.machine.Record.State, check.Equals, calc.StateWithScheduler)
}

func (s *MachineSuite) TestMonitorDisableAll(c *check.C) {
	calls := map[string]int{}
	for _, name := range []string{"test.quiet", "test.done"} {
		name := name
		c.Assert(s.machine.Monitors.Register(name, func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (*monitor.Outcome, error) {
			calls[name]++
			if name == "test.done" {
				return monitor.DisableAll("nothing more to check"), nil
			}
			return nil, nil
		}), check.IsNil)
	}
	s.machine.Record.Input.Monitors = map[string]*calc.MonitorSpec{
		"a": {EntryPoint: "test.quiet", Priority: 10},
		"b": {EntryPoint: "test.done"},
	}
	s.jobs.infos = []*calc.JobInfo{running, running, running, nil}
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitOK)
	c.Check(calls, check.DeepEquals, map[string]int{"test.quiet": 1, "test.done": 1})
	c.Check(s.jobs.Requests(), check.Equals, 4)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit", "stash", "retrieve"})
	c.Check(s.machine.Record.MonitorOutcome, check.IsNil)

	s.store.mtx.Lock()
	last := s.store.saved[len(s.store.saved)-1]
	s.store.mtx.Unlock()
	c.Assert(last.Monitors, check.HasLen, 2)
	for key, spec := range last.Monitors {
		c.Check(spec.Disabled, check.Equals, true, check.Commentf("monitor %s", key))
	}
}

func (s *MachineSuite) TestKillWithScheduler(c *check.C) {
	s.jobs.infos = []*calc.JobInfo{running}
	go func() {
		for s.jobs.Requests() < 2 {
			time.Sleep(time.Millisecond)
		}
		s.machine.Kill("no longer needed")
	}()
	_, err := s.run(c)
	c.Check(errors.Is(err, ErrKilled), check.Equals, true)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit", "kill"})
	c.Check(s.machine.Record.ProcessStatus, check.Equals, "Killed: no longer needed")
	c.Check(s.machine.Record.State, check.Equals, calc.StateWithScheduler)
}

func (s *MachineSuite) TestKillBeforeSubmission(c *check.C) {
	uploading := make(chan struct{})
	s.exec.upload = func(ctx context.Context, attempt int) error {
		close(uploading)
		<-ctx.Done()
		return ctx.Err()
	}
	go func() {
		<-uploading
		s.machine.Kill("")
	}()
	_, err := s.run(c)
	c.Check(errors.Is(err, ErrKilled), check.Equals, true)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload"})
	c.Check(s.machine.Record.ProcessStatus, check.Equals, "Killed")
}

// A kill requested before the machine starts is delivered to the
// first command.
func (s *MachineSuite) TestKillBeforeRun(c *check.C) {
	s.machine.Kill("changed my mind")
	_, err := s.run(c)
	c.Check(err, check.ErrorMatches, `killed: changed my mind`)
	c.Check(s.exec.Calls(), check.HasLen, 0)
}

func (s *MachineSuite) TestInterrupt(c *check.C) {
	s.jobs.infos = []*calc.JobInfo{running}
	go func() {
		for s.jobs.Requests() < 2 {
			time.Sleep(time.Millisecond)
		}
		s.machine.Interrupt(nil)
	}()
	_, err := s.run(c)
	c.Check(err, check.Equals, async.ErrInterrupted)
	c.Check(s.exec.Calls(), check.DeepEquals, []string{"upload", "submit"})
	c.Check(s.machine.Record.ProcessStatus, check.Equals, "Interrupted during update command")
	c.Check(s.machine.Record.Command, check.Equals, calc.CommandUpdate)
}

func (s *MachineSuite) TestContextCancelled(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	s.jobs.infos = []*calc.JobInfo{running}
	go func() {
		for s.jobs.Requests() < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := s.machine.Run(ctx)
	c.Check(errors.Is(err, context.Canceled), check.Equals, true)
	c.Check(s.machine.Record.ProcessStatus, check.Equals, "Interrupted during update command")
	// The final status was saved despite the cancelled context.
	saved := s.store.saved[len(s.store.saved)-1]
	c.Check(saved.ProcessStatus, check.Equals, "Interrupted during update command")
}

func (s *MachineSuite) TestNoRetrievedFolder(c *check.C) {
	s.machine.Record.State = calc.StateParsing
	res, err := s.run(c)
	c.Assert(err, check.IsNil)
	c.Check(res.Exit, check.Equals, calc.ExitNoRetrievedFolder)
}
