// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package calcjob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/async"
	"git.arvados.org/calcjob.git/sdk/go/calc"
)

// Executor performs a job's remote side effects. *execmanager.Manager
// is the usual implementation.
type Executor interface {
	Upload(ctx context.Context, tr transport.Transport, rec *calc.Record, info *calc.CalcInfo) error
	Submit(ctx context.Context, tr transport.Transport, rec *calc.Record) (string, error)
	Kill(ctx context.Context, tr transport.Transport, rec *calc.Record) error
	Stash(ctx context.Context, tr transport.Transport, rec *calc.Record) error
	Retrieve(ctx context.Context, tr transport.Transport, rec *calc.Record, localDir string) error
}

// StatusSource delivers batched scheduler status updates.
// *jobmanager.Manager is the usual implementation.
type StatusSource interface {
	RequestUpdate(id calc.Identity, jobID string) (*async.Future[*calc.JobInfo], func(), error)
}

// Store persists job records.
type Store interface {
	Save(ctx context.Context, rec *calc.Record) error
}

// A Presubmitter prepares the payload of a job. An error means the
// job definition is unusable; it is not retried.
type Presubmitter interface {
	Presubmit(ctx context.Context, rec *calc.Record) (*calc.CalcInfo, error)
}

// A Parser turns a retrieved folder into the job's exit code and
// outputs.
type Parser interface {
	Parse(ctx context.Context, rec *calc.Record, folder string) (calc.ExitCode, map[string]interface{}, error)
}

// StaticPresubmitter uses the payload supplied with the job
// definition.
type StaticPresubmitter struct{}

func (StaticPresubmitter) Presubmit(ctx context.Context, rec *calc.Record) (*calc.CalcInfo, error) {
	info := rec.Input
	if info == nil {
		return nil, errors.New("job has no input")
	}
	if info.Script == "" && !info.SkipSubmit {
		return nil, errors.New("job has no submit script")
	}
	return info, nil
}

// FileListParser reports the retrieved files, relative to the
// retrieved folder, as the "retrieved_files" output.
type FileListParser struct{}

func (FileListParser) Parse(ctx context.Context, rec *calc.Record, folder string) (calc.ExitCode, map[string]interface{}, error) {
	files := []string{}
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return calc.ExitNoRetrievedFolder, nil, nil
	} else if err != nil {
		return calc.ExitCode{}, nil, err
	}
	sort.Strings(files)
	return calc.ExitOK, map[string]interface{}{"retrieved_files": files}, nil
}
