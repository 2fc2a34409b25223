// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
)

// DefaultRegistry returns a Registry with the built-in monitors:
//
//	core.file_contains (filename, pattern): kill the job when a file
//	in its working directory contains pattern
//
//	core.max_walltime (seconds): kill the job when it has been with
//	the scheduler longer than the given time
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("core.file_contains", MessageFunc(fileContains), "filename", "pattern")
	reg.Register("core.max_walltime", MessageFunc(maxWalltime), "seconds")
	return reg
}

func stringArg(kwargs map[string]interface{}, name string) (string, error) {
	s, ok := kwargs[name].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return s, nil
}

func numberArg(kwargs map[string]interface{}, name string) (float64, error) {
	switch v := kwargs[name].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("argument %q must be a number", name)
	}
}

func fileContains(ctx context.Context, rec *calc.Record, tr transport.Transport, kwargs map[string]interface{}) (string, error) {
	filename, err := stringArg(kwargs, "filename")
	if err != nil {
		return "", err
	}
	pattern, err := stringArg(kwargs, "pattern")
	if err != nil {
		return "", err
	}
	fullpath := path.Join(rec.RemoteWorkdir, filename)
	stdout, _, err := tr.Exec(ctx, "cat "+transport.Quote(fullpath), nil)
	var ee *transport.ExitError
	if errors.As(err, &ee) {
		// Not written yet.
		return "", nil
	} else if err != nil {
		return "", err
	}
	if bytes.Contains(stdout, []byte(pattern)) {
		return fmt.Sprintf("found %q in %s", pattern, filename), nil
	}
	return "", nil
}

func maxWalltime(ctx context.Context, rec *calc.Record, tr transport.Transport, kwargs map[string]interface{}) (string, error) {
	seconds, err := numberArg(kwargs, "seconds")
	if err != nil {
		return "", err
	}
	if rec.SubmittedAt == nil {
		return "", nil
	}
	limit := time.Duration(seconds * float64(time.Second))
	if elapsed := time.Since(*rec.SubmittedAt); elapsed > limit {
		return fmt.Sprintf("maximum walltime %v exceeded (%v elapsed)", limit, elapsed.Truncate(time.Second)), nil
	}
	return "", nil
}
