// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"fmt"
	"net"
	"os/user"

	"git.arvados.org/calcjob.git/lib/config"
	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/scheduler/direct"
	"git.arvados.org/calcjob.git/lib/scheduler/lsf"
	"git.arvados.org/calcjob.git/lib/scheduler/slurm"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/lib/transport/localtransport"
	"git.arvados.org/calcjob.git/lib/transport/sshtransport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/sirupsen/logrus"
)

var drivers = map[string]scheduler.Driver{
	"slurm":  slurm.New,
	"lsf":    lsf.New,
	"direct": direct.New,
}

func newScheduler(comp config.Computer, logger logrus.FieldLogger) (scheduler.Scheduler, error) {
	driver, ok := drivers[comp.Scheduler]
	if !ok {
		return nil, fmt.Errorf("unsupported scheduler %q", comp.Scheduler)
	}
	return driver(scheduler.Options{
		SubmitArgs:          comp.SubmitArgs,
		MinimumPollInterval: comp.MinimumPollInterval.Duration(),
		Logger:              logger,
	})
}

func newTransport(comp config.Computer, id calc.Identity, logger logrus.FieldLogger) (transport.Transport, error) {
	switch comp.Transport {
	case "local":
		return &localtransport.Transport{Interval: comp.SafeOpenInterval.Duration()}, nil
	case "ssh":
		cfg := sshtransport.Config{
			Host:             comp.Hostname,
			Port:             comp.Port,
			User:             id.User,
			SafeOpenInterval: comp.SafeOpenInterval.Duration(),
			ConnectTimeout:   comp.ConnectTimeout.Duration(),
		}
		var err error
		if comp.PrivateKeyFile != "" {
			cfg.Signers, err = sshtransport.LoadSigners(comp.PrivateKeyFile)
			if err != nil {
				return nil, err
			}
		}
		cfg.HostKeyCallback, err = sshtransport.HostKeyCallback(comp.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		return sshtransport.New(cfg, logger.WithField("Addr", net.JoinHostPort(comp.Hostname, comp.Port))), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", comp.Transport)
	}
}

// defaultUser returns the remote username to use on comp when the
// job request doesn't specify one.
func defaultUser(comp config.Computer) string {
	if comp.Username != "" {
		return comp.Username
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

