// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/google/shlex"
)

//go:embed config.default.yml
var DefaultYAML []byte

type logger interface {
	Warnf(string, ...interface{})
}

// LoadFile reads the config file at path, or stdin if path is "-".
func LoadFile(path string, stdin io.Reader, log logger) (*Config, error) {
	if path == "-" {
		return Load(stdin, log)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, log)
}

// Load reads a config from rdr and fills in defaults. Unrecognized
// keys are reported through log, if log is non-nil.
func Load(rdr io.Reader, log logger) (*Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}

	// Load the config into a dummy map to get the computer
	// labels, discarding the values; then set up defaults for
	// each computer; then load the real config on top of the
	// defaults.
	var dummy struct {
		Computers map[string]struct{}
	}
	err = yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Computers) == 0 {
		return nil, errors.New("config does not define any computers")
	}
	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	var merged map[string]interface{}
	for label := range dummy.Computers {
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte(" xxxxx:"), []byte(" "+label+":"), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", label, err)
		}
		err = mergo.Merge(&merged, src, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("merging defaults for %s: %s", label, err)
		}
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	err = mergo.Merge(&merged, src, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("merging config data: %s", err)
	}

	var cfg Config
	err = transcodeJSON(merged, &cfg)
	if err != nil {
		return nil, err
	}

	if log != nil {
		err = logExtraKeys(log, buf)
		if err != nil {
			return nil, err
		}
	}
	err = cfg.check()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func transcodeJSON(src, dst interface{}) error {
	buf, err := json.Marshal(src)
	if err != nil {
		return err
	}
	err = json.Unmarshal(buf, dst)
	if err != nil {
		return fmt.Errorf("transcoding config data: %s", err)
	}
	return nil
}

// logExtraKeys warns about keys in the supplied config that have no
// counterpart in the default config.
func logExtraKeys(log logger, buf []byte) error {
	var expected, supplied map[string]interface{}
	err := yaml.Unmarshal(DefaultYAML, &expected)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(buf, &supplied)
	if err != nil {
		return err
	}
	template, _ := expected["Computers"].(map[string]interface{})["xxxxx"].(map[string]interface{})
	if computers, ok := supplied["Computers"].(map[string]interface{}); ok {
		labels := make([]string, 0, len(computers))
		for label := range computers {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			if comp, ok := computers[label].(map[string]interface{}); ok {
				warnExtraKeys(log, template, comp, "Computers."+label)
			}
		}
		delete(supplied, "Computers")
	}
	delete(expected, "Computers")
	warnExtraKeys(log, expected, supplied, "")
	return nil
}

func warnExtraKeys(log logger, expected, supplied map[string]interface{}, prefix string) {
	keys := make([]string, 0, len(supplied))
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		exp, ok := expected[k]
		if !ok {
			log.Warnf("deprecated or unknown config entry: %s", path)
			continue
		}
		if prefix == "Store.PostgreSQL" && k == "Connection" {
			// libpq parameters are free-form
			continue
		}
		if expmap, ok := exp.(map[string]interface{}); ok {
			if supmap, ok := supplied[k].(map[string]interface{}); ok {
				warnExtraKeys(log, expmap, supmap, path)
			}
		}
	}
}

func (cfg *Config) check() error {
	switch cfg.Store.Type {
	case "memory":
	case "file":
		if !filepath.IsAbs(cfg.Store.Directory) {
			return fmt.Errorf("Store.Directory %q must be an absolute path", cfg.Store.Directory)
		}
	case "postgresql":
		if len(cfg.Store.PostgreSQL.Connection.String()) == 0 {
			return errors.New("Store.PostgreSQL.Connection is empty")
		}
	default:
		return fmt.Errorf("unsupported Store.Type %q", cfg.Store.Type)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("Retry.MaxAttempts must be at least 1, not %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialInterval < 0 {
		return errors.New("Retry.InitialInterval must not be negative")
	}
	for label, comp := range cfg.Computers {
		err := comp.check()
		if err != nil {
			return fmt.Errorf("Computers.%s: %w", label, err)
		}
	}
	return nil
}

func (comp *Computer) check() error {
	switch comp.Transport {
	case "ssh":
		if comp.Hostname == "" {
			return errors.New("Hostname is required for ssh transport")
		}
	case "local":
	default:
		return fmt.Errorf("unsupported Transport %q", comp.Transport)
	}
	switch comp.Scheduler {
	case "slurm", "lsf", "direct":
	default:
		return fmt.Errorf("unsupported Scheduler %q", comp.Scheduler)
	}
	if _, err := shlex.Split(comp.SubmitArgs); err != nil {
		return fmt.Errorf("cannot parse SubmitArgs: %w", err)
	}
	if comp.SafeOpenInterval < 0 || comp.MinimumPollInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	if !filepath.IsAbs(comp.WorkDir) {
		return fmt.Errorf("WorkDir %q must be an absolute path", comp.WorkDir)
	}
	return nil
}
