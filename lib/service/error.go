// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"git.arvados.org/calcjob.git/sdk/go/ctxlog"
	"git.arvados.org/calcjob.git/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that could not start.
// It fails its health check with err, responds 503 to every request,
// and reports itself done so the service exits.
func ErrorHandler(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("unhealthy service")
	done := make(chan struct{})
	close(done)
	return &errorHandler{err: err, logger: logger, done: done}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
	done   chan struct{}
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).Error("unhealthy service")
	httpserver.Error(w, "service is unavailable", http.StatusServiceUnavailable)
}

func (eh *errorHandler) CheckHealth(context.Context) error { return eh.err }

func (eh *errorHandler) Done() <-chan struct{} { return eh.done }
