// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"git.arvados.org/calcjob.git/lib/calcjob"
	"git.arvados.org/calcjob.git/lib/config"
	"git.arvados.org/calcjob.git/lib/execmanager"
	"git.arvados.org/calcjob.git/lib/jobmanager"
	"git.arvados.org/calcjob.git/lib/jobstore"
	"git.arvados.org/calcjob.git/lib/monitor"
	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/backoff"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"git.arvados.org/calcjob.git/sdk/go/ctxlog"
	"git.arvados.org/calcjob.git/sdk/go/httpserver"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	errPauseRequested = errors.New("paused via management API")
	errNotFound       = httpserver.Errorf(http.StatusNotFound, "job not found")
)

// JobRequest describes a new job.
type JobRequest struct {
	// Label of a configured computer.
	Computer string `json:"computer"`
	// Remote username. Default is the computer's configured
	// Username, or the dispatcher's own username.
	User  string         `json:"user"`
	Input *calc.CalcInfo `json:"input"`
}

type runningJob struct {
	machine *calcjob.Machine
	done    chan struct{}
}

type dispatcher struct {
	Config   *config.Config
	Context  context.Context
	Registry *prometheus.Registry

	// Collaborators. If nil, they are created from Config (Store)
	// or set to the built-in defaults.
	Store        jobstore.Store
	Presubmitter calcjob.Presubmitter
	Parser       calcjob.Parser
	Monitors     *monitor.Registry

	logger      logrus.FieldLogger
	broker      *transport.Broker
	jobs        *jobmanager.Manager
	schedulers  map[string]scheduler.Scheduler
	execs       map[string]*execmanager.Manager
	closeStore  func() error
	httpHandler http.Handler
	mJobs       *prometheus.GaugeVec

	// machines run with ctx; cancel interrupts them all
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mtx     sync.Mutex
	running map[string]*runningJob
	states  map[string]calc.ProcessState

	setupOnce sync.Once
	setupErr  error
	stopOnce  sync.Once
	stopped   chan struct{}
}

// Start starts the dispatcher and resumes all unfinished jobs. Start
// can be called multiple times with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth(ctx context.Context) error {
	disp.Start()
	if disp.setupErr != nil {
		return disp.setupErr
	}
	_, err := disp.Store.Load(ctx, "_health")
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return fmt.Errorf("job store: %w", err)
	}
	return nil
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close interrupts all running jobs, waits for them to save their
// state, and releases resources. Interrupted jobs are resumed the
// next time a dispatcher starts.
func (disp *dispatcher) Close() {
	disp.Start()
	disp.stopOnce.Do(func() {
		if disp.cancel != nil {
			disp.cancel()
			disp.wg.Wait()
		}
		if disp.broker != nil {
			disp.broker.Stop()
		}
		if disp.closeStore != nil {
			if err := disp.closeStore(); err != nil {
				disp.logger.WithError(err).Warn("error closing job store")
			}
		}
		close(disp.stopped)
	})
}

func (disp *dispatcher) setup() {
	disp.stopped = make(chan struct{})
	disp.setupErr = disp.initialize()
	if disp.setupErr != nil {
		disp.logger.WithError(disp.setupErr).Error("dispatcher setup failed")
		return
	}
	go func() {
		<-disp.Context.Done()
		disp.Close()
	}()
	disp.resumeJobs()
}

func (disp *dispatcher) initialize() error {
	if disp.Context == nil {
		disp.Context = context.Background()
	}
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.ctx, disp.cancel = context.WithCancel(disp.Context)
	disp.running = map[string]*runningJob{}
	disp.states = map[string]calc.ProcessState{}
	disp.schedulers = map[string]scheduler.Scheduler{}
	disp.execs = map[string]*execmanager.Manager{}
	disp.initHTTP()
	disp.registerMetrics(disp.Registry)

	if disp.Presubmitter == nil {
		disp.Presubmitter = calcjob.StaticPresubmitter{}
	}
	if disp.Parser == nil {
		disp.Parser = calcjob.FileListParser{}
	}
	if disp.Monitors == nil {
		disp.Monitors = monitor.DefaultRegistry()
	}
	if disp.Store == nil {
		store, closeStore, err := newStore(disp.Context, disp.Config.Store)
		if err != nil {
			return err
		}
		disp.Store, disp.closeStore = store, closeStore
	}
	for label, comp := range disp.Config.Computers {
		logger := disp.logger.WithField("Computer", label)
		sch, err := newScheduler(comp, logger)
		if err != nil {
			return fmt.Errorf("computer %s: %w", label, err)
		}
		disp.schedulers[label] = sch
		disp.execs[label] = &execmanager.Manager{
			WorkDir:   comp.WorkDir,
			Scheduler: sch,
			Logger:    logger,
		}
	}
	disp.broker = transport.NewBroker(disp.logger, disp.Registry, disp.newTransport)
	disp.jobs = jobmanager.New(disp.logger, disp.Registry, disp.broker, disp.lookupScheduler)
	return nil
}

func (disp *dispatcher) newTransport(id calc.Identity) (transport.Transport, error) {
	comp, ok := disp.Config.Computers[id.Computer]
	if !ok {
		return nil, fmt.Errorf("unknown computer %q", id.Computer)
	}
	return newTransport(comp, id, disp.logger.WithField("Identity", id))
}

func (disp *dispatcher) lookupScheduler(id calc.Identity) (scheduler.Scheduler, error) {
	sch, ok := disp.schedulers[id.Computer]
	if !ok {
		return nil, fmt.Errorf("unknown computer %q", id.Computer)
	}
	return sch, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (jobstore.Store, func() error, error) {
	switch cfg.Type {
	case "memory":
		return &jobstore.Memory{}, nil, nil
	case "file":
		store, err := jobstore.NewDirectory(cfg.Directory)
		return store, nil, err
	case "postgresql":
		store, err := jobstore.NewPostgreSQL(ctx, cfg.PostgreSQL.Connection.String(), cfg.PostgreSQL.ConnectionPool)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

func (disp *dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	disp.mJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "calcjob",
		Subsystem: "dispatch",
		Name:      "jobs",
		Help:      "Number of jobs known to this dispatcher, by process state.",
	}, []string{"state"})
	reg.MustRegister(disp.mJobs)
}

// updateMetrics must be called with disp.mtx held.
func (disp *dispatcher) updateMetrics() {
	counts := map[calc.ProcessState]int{}
	for _, ps := range disp.states {
		counts[ps]++
	}
	for _, ps := range []calc.ProcessState{calc.ProcessCreated, calc.ProcessWaiting, calc.ProcessPaused, calc.ProcessFinished, calc.ProcessExcepted, calc.ProcessKilled} {
		disp.mJobs.WithLabelValues(string(ps)).Set(float64(counts[ps]))
	}
}

func (disp *dispatcher) setState(uuid string, ps calc.ProcessState) {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	disp.states[uuid] = ps
	disp.updateMetrics()
}

// resumeJobs starts a machine for every persisted job that was
// created or running when the last dispatcher stopped. Paused jobs
// stay paused until resumed.
func (disp *dispatcher) resumeJobs() {
	recs, err := disp.Store.List(disp.ctx)
	if err != nil {
		disp.logger.WithError(err).Error("cannot list persisted jobs")
		return
	}
	for _, rec := range recs {
		disp.setState(rec.UUID, rec.ProcessState)
		switch rec.ProcessState {
		case calc.ProcessCreated, calc.ProcessWaiting:
			disp.logger.WithFields(logrus.Fields{
				"JobUUID": rec.UUID,
				"State":   rec.State,
				"Command": rec.Command,
			}).Info("resuming job")
			disp.start(rec, "")
		}
	}
}

// Submit saves a new job and starts running it.
func (disp *dispatcher) Submit(ctx context.Context, req JobRequest) (*calc.Record, error) {
	disp.Start()
	if disp.setupErr != nil {
		return nil, disp.setupErr
	}
	comp, ok := disp.Config.Computers[req.Computer]
	if !ok {
		return nil, httpserver.Errorf(http.StatusBadRequest, "unknown computer %q", req.Computer)
	}
	if req.Input == nil {
		return nil, httpserver.Errorf(http.StatusBadRequest, "job has no input")
	}
	if req.User == "" {
		req.User = defaultUser(comp)
	}
	rec := &calc.Record{
		UUID:         uuid.NewString(),
		Identity:     calc.Identity{Computer: req.Computer, User: req.User},
		State:        calc.StateUploading,
		ProcessState: calc.ProcessCreated,
		Input:        req.Input,
	}
	err := disp.Store.Save(ctx, rec)
	if err != nil {
		return nil, err
	}
	saved, err := disp.Store.Load(ctx, rec.UUID)
	if err != nil {
		return nil, err
	}
	disp.setState(rec.UUID, rec.ProcessState)
	disp.start(rec, "")
	return saved, nil
}

// Get returns the current persisted record of a job.
func (disp *dispatcher) Get(ctx context.Context, uuid string) (*calc.Record, error) {
	disp.Start()
	if disp.setupErr != nil {
		return nil, disp.setupErr
	}
	rec, err := disp.Store.Load(ctx, uuid)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, errNotFound
	}
	return rec, err
}

// List returns the persisted records of all jobs, oldest first.
func (disp *dispatcher) List(ctx context.Context) ([]*calc.Record, error) {
	disp.Start()
	if disp.setupErr != nil {
		return nil, disp.setupErr
	}
	return disp.Store.List(ctx)
}

// Kill stops a job and cancels it with the scheduler. A paused job
// is started so its machine can run the remote kill.
func (disp *dispatcher) Kill(ctx context.Context, uuid, message string) error {
	rec, err := disp.Get(ctx, uuid)
	if err != nil {
		return err
	}
	if rec.ProcessState.Terminal() {
		return httpserver.Errorf(http.StatusConflict, "job is already %s", rec.ProcessState)
	}
	disp.mtx.Lock()
	rj, ok := disp.running[uuid]
	disp.mtx.Unlock()
	if ok {
		rj.machine.Kill(message)
		return nil
	}
	disp.start(rec, message)
	return nil
}

// Pause interrupts a running job. Its state is saved, and it does
// not run again until Resume is called.
func (disp *dispatcher) Pause(ctx context.Context, uuid string) error {
	_, err := disp.Get(ctx, uuid)
	if err != nil {
		return err
	}
	disp.mtx.Lock()
	rj, ok := disp.running[uuid]
	disp.mtx.Unlock()
	if !ok {
		return httpserver.Errorf(http.StatusConflict, "job is not running")
	}
	rj.machine.Interrupt(errPauseRequested)
	<-rj.done
	return nil
}

// Resume starts a paused job.
func (disp *dispatcher) Resume(ctx context.Context, uuid string) error {
	rec, err := disp.Get(ctx, uuid)
	if err != nil {
		return err
	}
	if rec.ProcessState != calc.ProcessPaused {
		return httpserver.Errorf(http.StatusConflict, "job is %s, not paused", rec.ProcessState)
	}
	disp.start(rec, "")
	return nil
}

// start runs rec's machine in a new goroutine, unless it is already
// running. If kill is not empty, the job is killed as soon as it
// starts.
func (disp *dispatcher) start(rec *calc.Record, kill string) {
	logger := disp.logger.WithField("JobUUID", rec.UUID)
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if _, ok := disp.running[rec.UUID]; ok {
		return
	}
	if disp.ctx.Err() != nil {
		logger.Info("dispatcher is shutting down, not starting job")
		return
	}
	m := &calcjob.Machine{
		Record:       rec,
		Store:        disp.Store,
		Presubmitter: disp.Presubmitter,
		Parser:       disp.Parser,
		Broker:       disp.broker,
		Jobs:         disp.jobs,
		Monitors:     disp.Monitors,
		Retry: backoff.Policy{
			Initial:     disp.Config.Retry.InitialInterval.Duration(),
			MaxAttempts: disp.Config.Retry.MaxAttempts,
		},
		Logger:  disp.logger,
		TempDir: disp.Config.TempDir,
	}
	if exec, ok := disp.execs[rec.Identity.Computer]; ok {
		m.Exec = exec
	}
	if kill != "" {
		m.Kill(kill)
	}
	rj := &runningJob{machine: m, done: make(chan struct{})}
	disp.running[rec.UUID] = rj
	disp.wg.Add(1)
	go func() {
		defer disp.wg.Done()
		defer close(rj.done)
		var res *calcjob.Result
		var err error
		if m.Exec == nil {
			err = fmt.Errorf("computer %q is not configured", rec.Identity.Computer)
		} else {
			rec.ProcessState = calc.ProcessWaiting
			rec.Exception = ""
			disp.setState(rec.UUID, rec.ProcessState)
			res, err = m.Run(disp.ctx)
		}
		disp.finish(rec, res, err)
	}()
}

// finish records the outcome of a machine run.
func (disp *dispatcher) finish(rec *calc.Record, res *calcjob.Result, err error) {
	logger := disp.logger.WithField("JobUUID", rec.UUID)
	defer func() {
		disp.mtx.Lock()
		defer disp.mtx.Unlock()
		delete(disp.running, rec.UUID)
		disp.states[rec.UUID] = rec.ProcessState
		disp.updateMetrics()
	}()
	var tte *calcjob.TransportTaskError
	switch {
	case err == nil:
		rec.ProcessState = calc.ProcessFinished
		status := res.Exit.Status
		rec.ExitStatus = &status
		rec.ExitMessage = res.Exit.Message
		rec.Outputs = res.Outputs
		logger.WithField("ExitStatus", status).Info("job finished")
	case errors.Is(err, calcjob.ErrKilled):
		rec.ProcessState = calc.ProcessKilled
	case errors.Is(err, errPauseRequested):
		rec.ProcessState = calc.ProcessPaused
		rec.ProcessStatus = "Paused via management API"
		logger.Info("job paused")
	case errors.As(err, &tte):
		rec.ProcessState = calc.ProcessPaused
	case disp.ctx.Err() != nil:
		// Leave the record as it is, so the job resumes when
		// the dispatcher restarts.
		logger.Info("job interrupted by shutdown")
		return
	default:
		rec.ProcessState = calc.ProcessExcepted
		rec.Exception = err.Error()
		logger.WithError(err).Warn("job excepted")
	}
	if err := disp.Store.Save(context.WithoutCancel(disp.ctx), rec); err != nil {
		logger.WithError(err).Error("error saving job record")
	}
}
