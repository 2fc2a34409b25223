// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package monitor runs user-configured checks against jobs while they
// are with the scheduler, and lets a check stop a job early.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
)

// Action tells the lifecycle machine what to do with a job after a
// monitor returns an Outcome.
type Action = calc.MonitorAction

const (
	ActionKill        = calc.MonitorKill
	ActionDisableAll  = calc.MonitorDisableAll
	ActionDisableSelf = calc.MonitorDisableSelf
)

// Outcome is the non-empty result of a monitor. It is stored on the
// job record so a restarted process still honors it.
//
// The zero value has Retrieve false, which ends the job without
// retrieving output whatever the Action is. Build outcomes with
// NewOutcome (or DisableSelf/DisableAll) and change fields from
// there.
type Outcome = calc.MonitorOutcome

// NewOutcome returns an Outcome with the default settings: kill the
// job, then retrieve and parse its output.
func NewOutcome(message string) *Outcome {
	return &Outcome{
		Message:          message,
		Action:           ActionKill,
		Retrieve:         true,
		Parse:            true,
		OverrideExitCode: true,
	}
}

// DisableSelf returns an Outcome that stops the calling monitor from
// running again and lets the job continue.
func DisableSelf(message string) *Outcome {
	o := NewOutcome(message)
	o.Action = ActionDisableSelf
	return o
}

// DisableAll returns an Outcome that stops all monitors of the job
// and lets the job continue.
func DisableAll(message string) *Outcome {
	o := NewOutcome(message)
	o.Action = ActionDisableAll
	return o
}

// A Func checks a running job. It returns nil if the job should
// continue undisturbed.
type Func func(ctx context.Context, rec *calc.Record, tr transport.Transport, kwargs map[string]interface{}) (*Outcome, error)

// A MessageFunc is a monitor that returns a message (or "" to let the
// job continue). A message means ActionKill.
type MessageFunc func(ctx context.Context, rec *calc.Record, tr transport.Transport, kwargs map[string]interface{}) (string, error)

type entry struct {
	fn       Func
	accepted map[string]bool
}

// Registry maps entry point names to monitor functions.
type Registry struct {
	mtx     sync.Mutex
	entries map[string]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds a monitor. fn must be a Func or MessageFunc (or a
// func literal with one of those signatures). args lists the keyword
// arguments the monitor accepts.
func (reg *Registry) Register(name string, fn interface{}, args ...string) error {
	var f Func
	switch fn := fn.(type) {
	case Func:
		f = fn
	case func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (*Outcome, error):
		f = fn
	case MessageFunc:
		f = messageFunc(fn)
	case func(context.Context, *calc.Record, transport.Transport, map[string]interface{}) (string, error):
		f = messageFunc(fn)
	default:
		return fmt.Errorf("monitor %q: unsupported function type %T", name, fn)
	}
	accepted := map[string]bool{}
	for _, arg := range args {
		accepted[arg] = true
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if _, dup := reg.entries[name]; dup {
		return fmt.Errorf("monitor %q is already registered", name)
	}
	reg.entries[name] = entry{fn: f, accepted: accepted}
	return nil
}

func messageFunc(fn MessageFunc) Func {
	return func(ctx context.Context, rec *calc.Record, tr transport.Transport, kwargs map[string]interface{}) (*Outcome, error) {
		msg, err := fn(ctx, rec, tr, kwargs)
		if err != nil || msg == "" {
			return nil, err
		}
		return NewOutcome(msg), nil
	}
}

func (reg *Registry) lookup(name string) (entry, bool) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	ent, ok := reg.entries[name]
	return ent, ok
}

type link struct {
	key  string
	spec *calc.MonitorSpec
	fn   Func
}

// Chain runs a job's monitors in a fixed order: highest priority
// first, ties broken by key.
//
// The chain updates the given MonitorSpecs in place (CallTimestamp
// and Disabled), so the caller can persist them with the job record.
type Chain struct {
	links []link
	// for testing
	now func() time.Time
}

// NewChain returns a Chain for the given monitors. It fails if any
// monitor names an unknown entry point or passes an argument its
// function does not accept.
func NewChain(reg *Registry, specs map[string]*calc.MonitorSpec) (*Chain, error) {
	ch := &Chain{now: time.Now}
	for key, spec := range specs {
		ent, ok := reg.lookup(spec.EntryPoint)
		if !ok {
			return nil, fmt.Errorf("monitor %q: unknown entry point %q", key, spec.EntryPoint)
		}
		for arg := range spec.Kwargs {
			if !ent.accepted[arg] {
				return nil, fmt.Errorf("monitor %q: entry point %q does not accept argument %q", key, spec.EntryPoint, arg)
			}
		}
		ch.links = append(ch.links, link{key: key, spec: spec, fn: ent.fn})
	}
	sort.Slice(ch.links, func(i, j int) bool {
		a, b := ch.links[i], ch.links[j]
		if a.spec.Priority != b.spec.Priority {
			return a.spec.Priority > b.spec.Priority
		}
		return a.key < b.key
	})
	return ch, nil
}

// Keys returns the monitor keys in the order they are run.
func (ch *Chain) Keys() []string {
	keys := make([]string, len(ch.links))
	for i, l := range ch.links {
		keys[i] = l.key
	}
	return keys
}

// Process runs each enabled monitor whose minimum poll interval has
// elapsed, stopping at the first one that returns an Outcome. It
// returns the outcome and the key of the monitor that produced it,
// or nil if no monitor had anything to report.
func (ch *Chain) Process(ctx context.Context, rec *calc.Record, tr transport.Transport) (*Outcome, string, error) {
	for _, l := range ch.links {
		if l.spec.Disabled {
			continue
		}
		now := ch.now()
		if !l.spec.CallTimestamp.IsZero() && now.Sub(l.spec.CallTimestamp) < l.spec.MinimumPollInterval.Duration() {
			continue
		}
		outcome, err := l.fn(ctx, rec, tr, l.spec.Kwargs)
		if err != nil {
			// Not stamped, so a retry calls it again.
			return nil, l.key, fmt.Errorf("monitor %q: %w", l.key, err)
		}
		l.spec.CallTimestamp = now
		if outcome != nil {
			return outcome, l.key, nil
		}
	}
	return nil, "", nil
}

// Disable stops the given monitor from running again.
func (ch *Chain) Disable(key string) {
	for _, l := range ch.links {
		if l.key == key {
			l.spec.Disabled = true
		}
	}
}
