// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"net/http"
	"time"

	"git.arvados.org/calcjob.git/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Request-Id") == "" {
			req.Header.Set("X-Request-Id", "req-"+uuid.NewString())
		}
		w.Header().Set("X-Request-Id", req.Header.Get("X-Request-Id"))
		h.ServeHTTP(w, req)
	})
}

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request's logger is available to the
// wrapped handler via ctxlog.FromContext(req.Context()).
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseLogger{ResponseWriter: wrapped, start: time.Now()}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":  req.Header.Get("X-Request-Id"),
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path[1:],
			"reqQuery":   req.URL.RawQuery,
			"reqBytes":   req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Debug("request")
		defer w.log(lgr)
		h.ServeHTTP(w, req)
	})
}

// Number of bytes of an error response body kept for logging.
const sniffBytes = 1024

// responseLogger records what the wrapped handler sends: the status,
// body size, time of the first write, and the start of the body if
// the status is an error.
type responseLogger struct {
	http.ResponseWriter
	start     time.Time
	status    int
	bytes     int
	firstByte time.Time
	sniffed   []byte
}

func (rl *responseLogger) WriteHeader(code int) {
	if rl.status == 0 {
		rl.status = code
		rl.firstByte = time.Now()
	}
	rl.ResponseWriter.WriteHeader(code)
}

func (rl *responseLogger) Write(p []byte) (int, error) {
	if rl.status == 0 {
		rl.WriteHeader(http.StatusOK)
	}
	if rl.status >= 400 && len(rl.sniffed) < sniffBytes {
		keep := p
		if room := sniffBytes - len(rl.sniffed); len(keep) > room {
			keep = keep[:room]
		}
		rl.sniffed = append(rl.sniffed, keep...)
	}
	n, err := rl.ResponseWriter.Write(p)
	rl.bytes += n
	return n, err
}

func (rl *responseLogger) Unwrap() http.ResponseWriter {
	return rl.ResponseWriter
}

func (rl *responseLogger) log(lgr *logrus.Entry) {
	done := time.Now()
	status := rl.status
	if status == 0 {
		status = http.StatusOK
		rl.firstByte = done
	}
	lgr = lgr.WithFields(logrus.Fields{
		"timeTotal":      done.Sub(rl.start).Seconds(),
		"timeToStatus":   rl.firstByte.Sub(rl.start).Seconds(),
		"timeWriteBody":  done.Sub(rl.firstByte).Seconds(),
		"respStatusCode": status,
		"respStatus":     http.StatusText(status),
		"respBytes":      rl.bytes,
	})
	if status >= 400 {
		lgr = lgr.WithField("respBody", string(rl.sniffed))
	}
	lgr.Info("response")
}
