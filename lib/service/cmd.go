// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.arvados.org/calcjob.git/lib/cmd"
	"git.arvados.org/calcjob.git/lib/config"
	"git.arvados.org/calcjob.git/sdk/go/ctxlog"
	"git.arvados.org/calcjob.git/sdk/go/health"
	"git.arvados.org/calcjob.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth(context.Context) error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *config.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with it, and brings up an http server with the returned
// handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
func Command(newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", config.DefaultConfigFile, "Site configuration `file` (- for stdin)")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := config.LoadFile(*configFile, stdin, log)
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithField("PID", os.Getpid())
	ctx, cancel := signal.NotifyContext(ctxlog.Context(c.ctx, logger), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	if *configFile != "-" {
		// Shut down when the config file changes. Unfinished
		// jobs resume when the init system restarts us with
		// the new config.
		go watchConfig(ctx, logger, *configFile, cfg, func() {
			logger.Info("shutting down to apply new config")
			cancel()
		})
	}

	reg := prometheus.NewRegistry()
	// calcjob_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "calcjob",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(ctx); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(logger,
				interceptHealthReqs(cfg.ManagementToken, handler.CheckHealth, handler))))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     instrumented,
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cfg.Listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context, or
		// handler dies
		select {
		case <-ctx.Done():
		case <-handler.Done():
		}
		daemon.SdNotify(false, "STOPPING=1")
		srv.Close(10 * time.Second)
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}

func interceptHealthReqs(mgtToken string, checkHealth health.Func, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Checks: health.Checks{"ping": checkHealth},
	})
	mux.NotFound = next
	return mux
}
