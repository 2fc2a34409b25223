// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package direct

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport/localtransport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"git.arvados.org/calcjob.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&DirectSuite{})

type DirectSuite struct {
	tr  *localtransport.Transport
	sch scheduler.Scheduler
}

func (s *DirectSuite) SetUpTest(c *check.C) {
	s.tr = &localtransport.Transport{}
	c.Assert(s.tr.Open(context.Background()), check.IsNil)
	var err error
	s.sch, err = New(scheduler.Options{Logger: ctxlog.TestLogger(c)})
	c.Assert(err, check.IsNil)
}

func (s *DirectSuite) TearDownTest(c *check.C) {
	s.tr.Close()
}

func (s *DirectSuite) TestParsePs(c *check.C) {
	jobs := parsePs(" 123 Ss   alice    sh\n 456 Z+   alice    sleep\n 789 T    alice    sh\n", time.Now())
	c.Check(jobs, check.HasLen, 3)
	c.Check(jobs["123"].State, check.Equals, calc.JobStateRunning)
	c.Check(jobs["456"].State, check.Equals, calc.JobStateDone)
	c.Check(jobs["789"].State, check.Equals, calc.JobStateSuspended)
	c.Check(jobs["123"].Owner, check.Equals, "alice")
}

func (s *DirectSuite) TestLifecycle(c *check.C) {
	ctx := context.Background()
	dir := c.MkDir()
	c.Assert(os.WriteFile(dir+"/_submit.sh", []byte("sleep 30\n"), 0755), check.IsNil)

	jobID, err := s.sch.Submit(ctx, s.tr, dir, "_submit.sh")
	c.Assert(err, check.IsNil)

	jobs, err := s.sch.GetJobs(ctx, s.tr, []string{jobID}, "")
	c.Assert(err, check.IsNil)
	c.Assert(jobs[jobID], check.NotNil)
	c.Check(jobs[jobID].State, check.Equals, calc.JobStateRunning)

	c.Check(s.sch.Kill(ctx, s.tr, jobID), check.IsNil)
	for deadline := time.Now().Add(5 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		jobs, err = s.sch.GetJobs(ctx, s.tr, []string{jobID}, "")
		c.Assert(err, check.IsNil)
		if jobs[jobID] == nil || jobs[jobID].Done() {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("job %s still %v after kill", jobID, jobs[jobID].State)
		}
	}
}

func (s *DirectSuite) TestSubmitRejected(c *check.C) {
	_, err := s.sch.Submit(context.Background(), s.tr, c.MkDir()+"/nonexistent", "_submit.sh")
	var rejected *scheduler.SubmitRejectedError
	c.Check(errors.As(err, &rejected), check.Equals, true)
}

func (s *DirectSuite) TestNoJobs(c *check.C) {
	jobs, err := s.sch.GetJobs(context.Background(), s.tr, nil, "")
	c.Check(err, check.IsNil)
	c.Check(jobs, check.HasLen, 0)
	c.Check(s.sch.SupportsQueryByUser(), check.Equals, false)
}
