// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health-check endpoints.
package health

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func(context.Context) error

// Checks is a map of check name to health-check function.
type Checks map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// A request for "{Prefix}all" runs every check and responds with
// {"health":"OK|ERROR","checks":{"name":{...},...}}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	router    *httprouter.Router

	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// If "ping" is not listed here, it will be added
	// automatically and will always return a "healthy" response.
	Checks Checks

	// Time limit for each check. Zero means 10 seconds.
	Timeout time.Duration

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was successfully
	// authenticated and served, even if the health check itself
	// failed.
	Log func(*http.Request, error)
}

type checkResult struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

type allResult struct {
	Health string                 `json:"health"`
	Checks map[string]checkResult `json:"checks"`
}

var (
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.router = httprouter.New()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	if h.Checks == nil {
		h.Checks = Checks{}
	}
	if _, ok := h.Checks["ping"]; !ok {
		h.Checks["ping"] = func(context.Context) error { return nil }
	}
	h.router.GET(prefix+":check", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var err error
	defer func() {
		if h.Log != nil {
			h.Log(r, err)
		}
	}()
	name := params.ByName("check")
	_, known := h.Checks[name]
	if h.Token == "" || (!known && name != "all") {
		http.Error(w, "disabled", http.StatusNotFound)
		err = errNotFound
		return
	}
	ah := r.Header.Get("Authorization")
	if ah == "" {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		err = errUnauthorized
		return
	} else if subtle.ConstantTimeCompare([]byte(ah), []byte("Bearer "+h.Token)) != 1 {
		http.Error(w, "authorization error", http.StatusForbidden)
		err = errForbidden
		return
	}
	var resp interface{}
	if name == "all" {
		resp = h.runAll(r.Context())
	} else {
		resp = h.run(r.Context(), h.Checks[name])
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) run(ctx context.Context, fn Func) checkResult {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return checkResult{Health: "ERROR", Error: err.Error()}
	}
	return checkResult{Health: "OK"}
}

func (h *Handler) runAll(ctx context.Context) allResult {
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	results := make([]checkResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		i, fn := i, h.Checks[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(ctx, fn)
		}()
	}
	wg.Wait()
	all := allResult{Health: "OK", Checks: map[string]checkResult{}}
	for i, name := range names {
		all.Checks[name] = results[i]
		if results[i].Health != "OK" {
			all.Health = "ERROR"
		}
	}
	return all
}
