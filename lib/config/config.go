// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"strings"

	"git.arvados.org/calcjob.git/sdk/go/calc"
)

// DefaultConfigFile is the site configuration file read by the
// dispatcher unless -config says otherwise.
const DefaultConfigFile = "/etc/calcjob/config.yml"

type Config struct {
	Listen          string
	ManagementToken string
	TempDir         string
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	Retry struct {
		InitialInterval calc.Duration
		MaxAttempts     int
	}
	Store     StoreConfig
	Computers map[string]Computer
}

type StoreConfig struct {
	Type       string
	Directory  string
	PostgreSQL struct {
		Connection     PostgreSQLConnection
		ConnectionPool int
	}
}

// Computer configures access to one remote computer.
type Computer struct {
	Transport        string
	Hostname         string
	Port             string
	Username         string
	PrivateKeyFile   string
	KnownHostsFile   string
	ConnectTimeout   calc.Duration
	SafeOpenInterval calc.Duration

	Scheduler           string
	SubmitArgs          string
	MinimumPollInterval calc.Duration

	WorkDir string
}

// PostgreSQLConnection holds libpq connection parameters.
type PostgreSQLConnection map[string]string

// String returns a libpq connection string ("key='value' ...").
// Empty values are omitted.
func (c PostgreSQLConnection) String() string {
	s := ""
	for k, v := range c {
		if v == "" {
			continue
		}
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(v, `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}
