// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobmanager batches job status requests into periodic
// scheduler queries, one query stream per identity.
package jobmanager

import (
	"context"
	"sync"
	"time"

	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/async"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A SchedulerLookup returns the scheduler for an identity.
type SchedulerLookup func(calc.Identity) (scheduler.Scheduler, error)

// Manager owns one JobsList per identity.
type Manager struct {
	logger logrus.FieldLogger
	broker transport.Borrower
	lookup SchedulerLookup

	mtx   sync.Mutex
	lists map[calc.Identity]*JobsList

	mQueries       *prometheus.CounterVec
	mQueryDuration prometheus.Summary
	mPending       prometheus.Gauge
}

// New returns a Manager whose scheduler queries borrow transports
// from broker. If reg is not nil, metrics are registered with it.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, broker transport.Borrower, lookup SchedulerLookup) *Manager {
	m := &Manager{
		logger: logger,
		broker: broker,
		lookup: lookup,
		lists:  map[calc.Identity]*JobsList{},
	}
	m.registerMetrics(reg)
	return m
}

func (m *Manager) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.mQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calcjob",
		Subsystem: "scheduler",
		Name:      "queries_total",
		Help:      "Number of batched scheduler status queries.",
	}, []string{"outcome"})
	reg.MustRegister(m.mQueries)
	m.mQueryDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "calcjob",
		Subsystem:  "scheduler",
		Name:       "query_seconds",
		Help:       "Time taken by batched scheduler status queries, including waiting for a transport.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(m.mQueryDuration)
	m.mPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "calcjob",
		Subsystem: "scheduler",
		Name:      "pending_requests",
		Help:      "Number of job status requests waiting for a scheduler query.",
	})
	reg.MustRegister(m.mPending)
}

// Get returns the JobsList for the given identity, creating it if
// needed. JobsLists are never removed.
func (m *Manager) Get(id calc.Identity) (*JobsList, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if jl, ok := m.lists[id]; ok {
		return jl, nil
	}
	sch, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	jl := &JobsList{
		id:      id,
		sched:   sch,
		manager: m,
		logger:  m.logger.WithField("Identity", id),
		pending: map[string]*request{},
	}
	m.lists[id] = jl
	return jl, nil
}

// RequestUpdate is shorthand for Get(id) followed by
// RequestUpdate(jobID).
func (m *Manager) RequestUpdate(id calc.Identity, jobID string) (*async.Future[*calc.JobInfo], func(), error) {
	jl, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	f, cancel := jl.RequestUpdate(jobID)
	return f, cancel, nil
}

// A JobsList coalesces status requests for jobs belonging to one
// identity into batched scheduler queries, issued no more often than
// the scheduler's minimum poll interval.
type JobsList struct {
	id      calc.Identity
	sched   scheduler.Scheduler
	manager *Manager
	logger  logrus.FieldLogger

	mtx       sync.Mutex
	pending   map[string]*request
	scheduled bool // a cycle is waiting on a timer or running
	lastQuery time.Time
}

type request struct {
	future *async.Future[*calc.JobInfo]
	refs   int
	// taken by a cycle's snapshot; later requests for the same
	// job get a new entry
	inFlight bool
}

// RequestUpdate returns a future that resolves to the job's status
// from the next scheduler query, or to nil if the scheduler no longer
// knows the job (which means it is finished).
//
// Requests for the same job that arrive before a query starts share
// one future. The caller must call the returned cancel func when it
// no longer needs the result.
func (jl *JobsList) RequestUpdate(jobID string) (*async.Future[*calc.JobInfo], func()) {
	jl.mtx.Lock()
	defer jl.mtx.Unlock()
	req, ok := jl.pending[jobID]
	if !ok || req.inFlight {
		req = &request{future: async.NewFuture[*calc.JobInfo]()}
		jl.pending[jobID] = req
		if !ok {
			jl.manager.mPending.Inc()
		}
	}
	req.refs++
	jl.ensureScheduled()
	var once sync.Once
	return req.future, func() {
		once.Do(func() { jl.cancel(jobID, req) })
	}
}

// Wait requests an update for the given job and waits for the result
// or for ctx to be done.
func (jl *JobsList) Wait(ctx context.Context, jobID string) (*calc.JobInfo, error) {
	f, cancel := jl.RequestUpdate(jobID)
	defer cancel()
	return f.Wait(ctx)
}

func (jl *JobsList) cancel(jobID string, req *request) {
	jl.mtx.Lock()
	defer jl.mtx.Unlock()
	req.refs--
	if req.refs > 0 || req.inFlight || req.future.Resolved() {
		return
	}
	if jl.pending[jobID] == req {
		delete(jl.pending, jobID)
		jl.manager.mPending.Dec()
	}
}

// Caller must have jl.mtx.
func (jl *JobsList) ensureScheduled() {
	if jl.scheduled || len(jl.pending) == 0 {
		return
	}
	jl.scheduled = true
	delay := jl.sched.MinimumPollInterval() - time.Since(jl.lastQuery)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, jl.cycle)
}

func (jl *JobsList) cycle() {
	jl.mtx.Lock()
	if len(jl.pending) == 0 {
		jl.scheduled = false
		jl.mtx.Unlock()
		return
	}
	snapshot := make(map[string]*request, len(jl.pending))
	ids := make([]string, 0, len(jl.pending))
	for jobID, req := range jl.pending {
		req.inFlight = true
		snapshot[jobID] = req
		ids = append(ids, jobID)
	}
	jl.lastQuery = time.Now()
	jl.mtx.Unlock()

	jobs, err := jl.query(ids)

	jl.mtx.Lock()
	defer jl.mtx.Unlock()
	for jobID, req := range snapshot {
		if err != nil {
			req.future.Reject(err)
		} else {
			req.future.Resolve(jobs[jobID])
		}
		if jl.pending[jobID] == req {
			delete(jl.pending, jobID)
			jl.manager.mPending.Dec()
		}
	}
	jl.scheduled = false
	if err != nil {
		// Requests that arrived during the failed query are
		// served when the next request restarts the cycle.
		return
	}
	jl.ensureScheduled()
}

func (jl *JobsList) query(ids []string) (map[string]*calc.JobInfo, error) {
	t0 := time.Now()
	ctx := context.Background()
	user := ""
	if jl.sched.SupportsQueryByUser() && jl.id.User != "" {
		user, ids = jl.id.User, nil
	}
	jobs, err := func() (map[string]*calc.JobInfo, error) {
		lease, err := jl.manager.broker.Borrow(ctx, jl.id)
		if err != nil {
			return nil, err
		}
		defer lease.Release()
		return jl.sched.GetJobs(ctx, lease.Transport(), ids, user)
	}()
	jl.manager.mQueryDuration.Observe(time.Since(t0).Seconds())
	if err != nil {
		jl.manager.mQueries.WithLabelValues("error").Inc()
		jl.logger.WithError(err).Warn("scheduler query failed")
		return nil, err
	}
	jl.manager.mQueries.WithLabelValues("success").Inc()
	jl.logger.WithFields(logrus.Fields{
		"Requested": len(ids),
		"Reported":  len(jobs),
		"User":      user,
	}).Debug("scheduler query finished")
	return jobs, nil
}
