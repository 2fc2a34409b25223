// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrument returns a new http.Handler that passes requests through
// to next, and tracks the duration and count of those requests in
// registry.
//
// If registry is nil, a new registry is created.
func Instrument(registry *prometheus.Registry, next http.Handler) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "calcjob",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "calcjob",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of requests being served.",
	})
	registry.MustRegister(reqDuration, inFlight)
	return promhttp.InstrumentHandlerInFlight(inFlight,
		promhttp.InstrumentHandlerDuration(reqDuration, next))
}

// MetricsHandler returns an http.Handler that serves the current
// contents of registry in Prometheus text format.
func MetricsHandler(registry *prometheus.Registry, logger logrus.FieldLogger) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: logger,
	})
}
