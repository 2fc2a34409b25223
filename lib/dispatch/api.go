// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"encoding/json"
	"net/http"

	"git.arvados.org/calcjob.git/sdk/go/calc"
	"git.arvados.org/calcjob.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
)

func (disp *dispatcher) initHTTP() {
	if disp.Config.ManagementToken == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
		return
	}
	mux := httprouter.New()
	mux.GET("/jobs", disp.apiJobs)
	mux.POST("/jobs", disp.apiJobCreate)
	mux.GET("/jobs/:uuid", disp.apiJob)
	mux.POST("/jobs/:uuid/kill", disp.apiJobKill)
	mux.POST("/jobs/:uuid/pause", disp.apiJobPause)
	mux.POST("/jobs/:uuid/resume", disp.apiJobResume)
	if disp.Registry != nil {
		mux.Handler("GET", "/metrics", httpserver.MetricsHandler(disp.Registry, disp.logger))
	}
	disp.httpHandler = httpserver.RequireToken(disp.Config.ManagementToken, mux)
}

func sendJSON(w http.ResponseWriter, status int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Management API: all jobs, oldest first.
func (disp *dispatcher) apiJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	recs, err := disp.List(r.Context())
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var resp struct {
		Items []*calc.Record `json:"items"`
	}
	resp.Items = recs
	if resp.Items == nil {
		resp.Items = []*calc.Record{}
	}
	sendJSON(w, http.StatusOK, resp)
}

// Management API: one job.
func (disp *dispatcher) apiJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec, err := disp.Get(r.Context(), params.ByName("uuid"))
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, rec)
}

// Management API: enqueue a new job. The request body is a
// JobRequest.
func (disp *dispatcher) apiJobCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req JobRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpserver.Error(w, "cannot decode request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := disp.Submit(r.Context(), req)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, rec)
}

// Management API: kill a job. The optional "reason" form value is
// recorded in the job's status.
func (disp *dispatcher) apiJobKill(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	msg := r.FormValue("reason")
	if msg == "" {
		msg = "via management API"
	}
	disp.apiJobAction(w, r, disp.Kill(r.Context(), params.ByName("uuid"), msg))
}

// Management API: pause a running job.
func (disp *dispatcher) apiJobPause(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	disp.apiJobAction(w, r, disp.Pause(r.Context(), params.ByName("uuid")))
}

// Management API: resume a paused job.
func (disp *dispatcher) apiJobResume(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	disp.apiJobAction(w, r, disp.Resume(r.Context(), params.ByName("uuid")))
}

func (disp *dispatcher) apiJobAction(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
