// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobmanager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/lib/transport/transporttest"
	"git.arvados.org/calcjob.git/sdk/go/async"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"git.arvados.org/calcjob.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&JobManagerSuite{})

type stubCall struct {
	ids  []string
	user string
	at   time.Time
}

type stubScheduler struct {
	interval time.Duration
	byUser   bool
	getJobs  func(call int, ids []string, user string) (map[string]*calc.JobInfo, error)

	mtx   sync.Mutex
	calls []stubCall
}

func (sch *stubScheduler) Submit(context.Context, transport.Transport, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func (sch *stubScheduler) GetJobs(ctx context.Context, tr transport.Transport, ids []string, user string) (map[string]*calc.JobInfo, error) {
	if !tr.IsOpen() {
		return nil, transport.ErrNotOpen
	}
	ids = append([]string(nil), ids...)
	sort.Strings(ids)
	sch.mtx.Lock()
	call := len(sch.calls)
	sch.calls = append(sch.calls, stubCall{ids: ids, user: user, at: time.Now()})
	fn := sch.getJobs
	sch.mtx.Unlock()
	if fn == nil {
		jobs := map[string]*calc.JobInfo{}
		for _, id := range ids {
			jobs[id] = &calc.JobInfo{JobID: id, State: calc.JobStateRunning}
		}
		return jobs, nil
	}
	return fn(call, ids, user)
}

func (sch *stubScheduler) Kill(context.Context, transport.Transport, string) error { return nil }

func (sch *stubScheduler) DetailedJobInfo(context.Context, transport.Transport, string) (map[string]string, error) {
	return nil, scheduler.ErrNotAvailable
}

func (sch *stubScheduler) SupportsQueryByUser() bool          { return sch.byUser }
func (sch *stubScheduler) MinimumPollInterval() time.Duration { return sch.interval }

func (sch *stubScheduler) Calls() []stubCall {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	return append([]stubCall(nil), sch.calls...)
}

type JobManagerSuite struct {
	sched   *stubScheduler
	manager *Manager
	lookups int
}

var testID = calc.Identity{Computer: "hpc1", User: "alice"}

func (s *JobManagerSuite) SetUpTest(c *check.C) {
	s.sched = &stubScheduler{interval: 100 * time.Millisecond}
	s.lookups = 0
	logger := ctxlog.TestLogger(c)
	broker := transport.NewBroker(logger, nil, func(calc.Identity) (transport.Transport, error) {
		return &transporttest.Stub{}, nil
	})
	s.manager = New(logger, nil, broker, func(id calc.Identity) (scheduler.Scheduler, error) {
		s.lookups++
		if id.Computer == "unknown" {
			return nil, errors.New("no such computer")
		}
		return s.sched, nil
	})
}

func (s *JobManagerSuite) list(c *check.C) *JobsList {
	jl, err := s.manager.Get(testID)
	c.Assert(err, check.IsNil)
	return jl
}

func (s *JobManagerSuite) TestGet(c *check.C) {
	jl1 := s.list(c)
	jl2 := s.list(c)
	c.Check(jl1, check.Equals, jl2)
	c.Check(s.lookups, check.Equals, 1)
	_, err := s.manager.Get(calc.Identity{Computer: "unknown"})
	c.Check(err, check.ErrorMatches, `no such computer`)
}

func (s *JobManagerSuite) TestBatchAndMinimumInterval(c *check.C) {
	jl := s.list(c)
	info, err := jl.Wait(context.Background(), "0")
	c.Assert(err, check.IsNil)
	c.Check(info.JobID, check.Equals, "0")

	// The next cycle is delayed by the minimum poll interval, so
	// these requests all land in the same batch.
	var futures []*async.Future[*calc.JobInfo]
	for _, id := range []string{"1", "2", "3", "2"} {
		f, cancel := jl.RequestUpdate(id)
		defer cancel()
		futures = append(futures, f)
	}
	c.Check(futures[1], check.Equals, futures[3])
	for i, f := range futures {
		info, err := f.Wait(context.Background())
		c.Check(err, check.IsNil)
		c.Check(info.JobID, check.Equals, []string{"1", "2", "3", "2"}[i])
	}
	calls := s.sched.Calls()
	c.Assert(calls, check.HasLen, 2)
	c.Check(calls[0].ids, check.DeepEquals, []string{"0"})
	c.Check(calls[1].ids, check.DeepEquals, []string{"1", "2", "3"})
	// Timestamps are taken after borrowing a transport, so allow
	// some slack.
	c.Check(calls[1].at.Sub(calls[0].at) >= s.sched.interval*9/10, check.Equals, true)

	// Nothing pending, so no further queries.
	time.Sleep(2 * s.sched.interval)
	c.Check(s.sched.Calls(), check.HasLen, 2)
}

func (s *JobManagerSuite) TestQueryByUser(c *check.C) {
	s.sched.byUser = true
	s.sched.getJobs = func(int, []string, string) (map[string]*calc.JobInfo, error) {
		return map[string]*calc.JobInfo{
			"5": {JobID: "5", State: calc.JobStateQueued},
			"6": {JobID: "6", State: calc.JobStateRunning},
		}, nil
	}
	info, err := s.list(c).Wait(context.Background(), "5")
	c.Assert(err, check.IsNil)
	c.Check(info.State, check.Equals, calc.JobStateQueued)
	calls := s.sched.Calls()
	c.Assert(calls, check.HasLen, 1)
	c.Check(calls[0].ids, check.HasLen, 0)
	c.Check(calls[0].user, check.Equals, "alice")
}

func (s *JobManagerSuite) TestAbsentJobResolvesNil(c *check.C) {
	s.sched.getJobs = func(int, []string, string) (map[string]*calc.JobInfo, error) {
		return map[string]*calc.JobInfo{}, nil
	}
	info, err := s.list(c).Wait(context.Background(), "7")
	c.Check(err, check.IsNil)
	c.Check(info, check.IsNil)
	c.Check(info.Done(), check.Equals, false)
}

// A request that arrives while a query is in flight must not be
// resolved with that query's results, even for a job ID that is part
// of the in-flight batch.
func (s *JobManagerSuite) TestArrivalDuringQuery(c *check.C) {
	querying := make(chan struct{})
	proceed := make(chan struct{})
	s.sched.getJobs = func(call int, ids []string, user string) (map[string]*calc.JobInfo, error) {
		jobs := map[string]*calc.JobInfo{}
		if call == 0 {
			close(querying)
			<-proceed
			for _, id := range ids {
				jobs[id] = &calc.JobInfo{JobID: id, State: calc.JobStateRunning}
			}
		} else {
			for _, id := range ids {
				jobs[id] = &calc.JobInfo{JobID: id, State: calc.JobStateDone}
			}
		}
		return jobs, nil
	}
	jl := s.list(c)
	early, cancelEarly := jl.RequestUpdate("A")
	defer cancelEarly()
	<-querying

	lateA, cancelLateA := jl.RequestUpdate("A")
	defer cancelLateA()
	lateB, cancelLateB := jl.RequestUpdate("B")
	defer cancelLateB()
	c.Check(lateA, check.Not(check.Equals), early)
	close(proceed)

	info, err := early.Wait(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(info.State, check.Equals, calc.JobStateRunning)
	c.Check(lateA.Resolved(), check.Equals, false)
	c.Check(lateB.Resolved(), check.Equals, false)

	info, err = lateA.Wait(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(info.State, check.Equals, calc.JobStateDone)
	info, err = lateB.Wait(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(info.State, check.Equals, calc.JobStateDone)

	calls := s.sched.Calls()
	c.Assert(calls, check.HasLen, 2)
	c.Check(calls[0].ids, check.DeepEquals, []string{"A"})
	c.Check(calls[1].ids, check.DeepEquals, []string{"A", "B"})
}

func (s *JobManagerSuite) TestQueryFailure(c *check.C) {
	errSched := errors.New("slurm_load_jobs error: Socket timed out")
	querying := make(chan struct{})
	proceed := make(chan struct{})
	s.sched.getJobs = func(call int, ids []string, user string) (map[string]*calc.JobInfo, error) {
		if call == 0 {
			close(querying)
			<-proceed
			return nil, errSched
		}
		return map[string]*calc.JobInfo{}, nil
	}
	jl := s.list(c)
	f1, cancel1 := jl.RequestUpdate("1")
	defer cancel1()
	<-querying
	late, cancelLate := jl.RequestUpdate("2")
	defer cancelLate()
	close(proceed)

	_, err := f1.Wait(context.Background())
	c.Check(err, check.Equals, errSched)

	// The cycle does not restart by itself.
	time.Sleep(2 * s.sched.interval)
	c.Check(late.Resolved(), check.Equals, false)
	c.Check(s.sched.Calls(), check.HasLen, 1)

	// The next request restarts it, and the stranded request is
	// served too.
	info, err := jl.Wait(context.Background(), "3")
	c.Check(err, check.IsNil)
	c.Check(info, check.IsNil)
	info, err = late.Wait(context.Background())
	c.Check(err, check.IsNil)
	c.Check(info, check.IsNil)
	c.Check(s.sched.Calls(), check.HasLen, 2)
}

func (s *JobManagerSuite) TestCancelledRequestIsNotQueried(c *check.C) {
	jl := s.list(c)
	_, err := jl.Wait(context.Background(), "0")
	c.Assert(err, check.IsNil)

	_, cancel := jl.RequestUpdate("1")
	cancel()
	cancel()
	time.Sleep(2 * s.sched.interval)
	c.Check(s.sched.Calls(), check.HasLen, 1)
	jl.mtx.Lock()
	c.Check(jl.pending, check.HasLen, 0)
	c.Check(jl.scheduled, check.Equals, false)
	jl.mtx.Unlock()
}

func (s *JobManagerSuite) TestWaitCancelled(c *check.C) {
	jl := s.list(c)
	_, err := jl.Wait(context.Background(), "0")
	c.Assert(err, check.IsNil)
	ctx, cancel := context.WithCancelCause(context.Background())
	errKill := errors.New("kill")
	cancel(errKill)
	_, err = jl.Wait(ctx, "1")
	c.Check(err, check.Equals, errKill)
}
