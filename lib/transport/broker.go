// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/calcjob.git/sdk/go/async"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Borrower provides shared, open transports.
type Borrower interface {
	Borrow(ctx context.Context, id calc.Identity) (*Lease, error)
}

// A Factory returns a new (not yet open) Transport for the given
// identity.
type Factory func(calc.Identity) (Transport, error)

var closedChan = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Broker shares one open Transport per identity among all concurrent
// borrowers.
//
// The first borrower of an identity starts a "batch window": a
// Transport is created, and opened once the identity's safe open
// interval has elapsed since the previous connection was opened or
// closed. Borrowers that arrive before the last borrower of the
// window releases share the same Transport. When the last borrower
// releases, the Transport is closed and the next borrower starts a
// new window.
//
// A zero Broker must not be used. Call NewBroker.
type Broker struct {
	logger       logrus.FieldLogger
	newTransport Factory

	mtx   sync.Mutex
	slots map[calc.Identity]*slot

	mOpens      prometheus.Counter
	mOpenErrors prometheus.Counter
	mBorrowers  prometheus.Gauge
}

// slot holds the per-identity state. Slots are never deleted.
type slot struct {
	id  calc.Identity
	mtx sync.Mutex
	cur *handle
	// last time a connection was opened or closed
	last time.Time
	// closed when the most recently created handle no longer
	// has a live connection
	prevReleased <-chan struct{}
}

type handle struct {
	tr        Transport
	interval  time.Duration
	borrowers int
	timer     *time.Timer
	ready     *async.Future[Transport]
	opening   bool
	discarded bool
	prev      <-chan struct{}

	released    chan struct{}
	releaseOnce sync.Once
}

func (h *handle) release() {
	h.releaseOnce.Do(func() { close(h.released) })
}

// NewBroker returns a Broker that uses newTransport to create
// transports. If reg is not nil, broker metrics are registered with
// it.
func NewBroker(logger logrus.FieldLogger, reg *prometheus.Registry, newTransport Factory) *Broker {
	b := &Broker{
		logger:       logger,
		newTransport: newTransport,
		slots:        map[calc.Identity]*slot{},
	}
	b.registerMetrics(reg)
	return b
}

func (b *Broker) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	b.mOpens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "calcjob",
		Subsystem: "transport",
		Name:      "opens_total",
		Help:      "Number of transport connections opened.",
	})
	reg.MustRegister(b.mOpens)
	b.mOpenErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "calcjob",
		Subsystem: "transport",
		Name:      "open_errors_total",
		Help:      "Number of failed attempts to open a transport connection.",
	})
	reg.MustRegister(b.mOpenErrors)
	b.mBorrowers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "calcjob",
		Subsystem: "transport",
		Name:      "borrowers",
		Help:      "Number of callers currently holding or waiting for a transport.",
	})
	reg.MustRegister(b.mBorrowers)
}

func (b *Broker) slot(id calc.Identity) *slot {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	s, ok := b.slots[id]
	if !ok {
		s = &slot{id: id, prevReleased: closedChan}
		b.slots[id] = s
	}
	return s
}

// Borrow waits for an open Transport for the given identity. The
// caller must call Release on the returned Lease when finished with
// the transport.
//
// If ctx is done before the transport is open, Borrow returns the
// context's cancellation cause. If opening the transport fails, all
// waiting borrowers get the error.
func (b *Broker) Borrow(ctx context.Context, id calc.Identity) (*Lease, error) {
	s := b.slot(id)
	s.mtx.Lock()
	h := s.cur
	if h == nil {
		tr, err := b.newTransport(id)
		if err != nil {
			s.mtx.Unlock()
			return nil, fmt.Errorf("cannot set up transport for %s: %w", id, err)
		}
		h = &handle{
			tr:       tr,
			interval: tr.SafeOpenInterval(),
			ready:    async.NewFuture[Transport](),
			prev:     s.prevReleased,
			released: make(chan struct{}),
		}
		s.cur = h
		s.prevReleased = h.released
		delay := time.Until(s.last.Add(h.interval))
		if delay < 0 {
			delay = 0
		}
		b.logger.WithFields(logrus.Fields{
			"Identity": id,
			"Delay":    delay,
		}).Debug("scheduling transport open")
		h.timer = time.AfterFunc(delay, func() { b.open(s, h) })
	}
	h.borrowers++
	s.mtx.Unlock()
	b.mBorrowers.Inc()

	lease := &Lease{broker: b, slot: s, handle: h}
	if _, err := h.ready.Wait(ctx); err != nil {
		lease.Release()
		return nil, err
	}
	return lease, nil
}

func (b *Broker) open(s *slot, h *handle) {
	<-h.prev
	s.mtx.Lock()
	if h.discarded {
		s.mtx.Unlock()
		h.ready.Reject(ErrNotOpen)
		h.release()
		return
	}
	if wait := time.Until(s.last.Add(h.interval)); wait > 0 {
		// The previous connection was closed after this
		// handle was scheduled.
		h.prev = closedChan
		h.timer = time.AfterFunc(wait, func() { b.open(s, h) })
		s.mtx.Unlock()
		return
	}
	h.opening = true
	s.last = time.Now()
	s.mtx.Unlock()

	logger := b.logger.WithField("Identity", s.id)
	logger.Debug("opening transport")
	err := h.tr.Open(context.Background())

	s.mtx.Lock()
	defer s.mtx.Unlock()
	h.opening = false
	s.last = time.Now()
	if err != nil {
		b.mOpenErrors.Inc()
		logger.WithError(err).Warn("error opening transport")
		if s.cur == h {
			s.cur = nil
		}
		h.ready.Reject(fmt.Errorf("error opening transport for %s: %w", s.id, err))
		h.release()
		return
	}
	b.mOpens.Inc()
	if h.discarded {
		// All borrowers left, or Stop was called, while we
		// were opening.
		h.ready.Reject(ErrNotOpen)
		b.close(s, h)
		return
	}
	logger.Info("transport open")
	h.ready.Resolve(h.tr)
}

// close closes h's transport. Caller must have s.mtx.
func (b *Broker) close(s *slot, h *handle) {
	if err := h.tr.Close(); err != nil {
		b.logger.WithField("Identity", s.id).WithError(err).Warn("error closing transport")
	} else {
		b.logger.WithField("Identity", s.id).Info("transport closed")
	}
	s.last = time.Now()
	h.release()
}

func (b *Broker) release(s *slot, h *handle) {
	b.mBorrowers.Dec()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	h.borrowers--
	if h.borrowers > 0 {
		return
	}
	h.discarded = true
	if s.cur == h {
		s.cur = nil
	}
	if h.timer.Stop() {
		// open() will never run.
		h.release()
		return
	}
	if h.opening {
		// open() will close the transport when it sees
		// h.discarded.
		return
	}
	if h.ready.Resolved() {
		if _, err := h.ready.Result(); err == nil {
			b.close(s, h)
		}
		return
	}
	// Otherwise, open() has fired but not yet checked
	// h.discarded, and will release h.
}

// Stop cancels all pending opens and closes all open transports,
// regardless of outstanding leases. It is meant to be called when
// the orchestrator shuts down.
func (b *Broker) Stop() {
	b.mtx.Lock()
	slots := make([]*slot, 0, len(b.slots))
	for _, s := range b.slots {
		slots = append(slots, s)
	}
	b.mtx.Unlock()
	for _, s := range slots {
		s.mtx.Lock()
		if h := s.cur; h != nil {
			h.discarded = true
			s.cur = nil
			if h.timer.Stop() {
				h.ready.Reject(ErrNotOpen)
				h.release()
			} else if !h.opening && h.ready.Resolved() {
				if _, err := h.ready.Result(); err == nil {
					b.close(s, h)
				}
			} else {
				// open() is waiting or in progress, and
				// will clean up when it sees h.discarded.
				// Waiting borrowers give up now.
				h.ready.Reject(ErrNotOpen)
			}
		}
		s.mtx.Unlock()
	}
}

// A Lease is a borrower's claim on a shared open Transport.
type Lease struct {
	broker *Broker
	slot   *slot
	handle *handle
	once   sync.Once
}

// Transport returns the open transport.
func (l *Lease) Transport() Transport {
	return l.handle.tr
}

// Release gives up the lease. It is safe to call Release more than
// once.
func (l *Lease) Release() {
	l.once.Do(func() { l.broker.release(l.slot, l.handle) })
}
