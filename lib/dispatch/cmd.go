// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch runs jobs on the configured computers, resumes
// unfinished jobs after a restart, and serves a management API.
package dispatch

import (
	"context"

	"git.arvados.org/calcjob.git/lib/cmd"
	"git.arvados.org/calcjob.git/lib/config"
	"git.arvados.org/calcjob.git/lib/service"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command(newHandler)

func newHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	d := &dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}
	d.Start()
	return d
}
