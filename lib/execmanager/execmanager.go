// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package execmanager performs the remote side effects of a job's
// lifecycle: uploading its payload, handing it to the scheduler,
// stashing and retrieving its output, and killing it.
package execmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"git.arvados.org/calcjob.git/lib/scheduler"
	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// DefaultScriptName is used when a job's payload does not name its
// submit script.
const DefaultScriptName = "_submit.sh"

// Manager runs the remote operations for jobs on one computer.
type Manager struct {
	// Remote directory under which each job gets its own
	// working directory.
	WorkDir   string
	Scheduler scheduler.Scheduler
	Logger    logrus.FieldLogger
}

func (em *Manager) logger(rec *calc.Record) logrus.FieldLogger {
	logger := em.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("JobUUID", rec.UUID)
}

// Workdir returns the remote working directory for a job. Jobs are
// spread over two levels of subdirectories to keep directory sizes
// manageable.
func (em *Manager) Workdir(uuid string) string {
	if len(uuid) < 5 {
		return path.Join(em.WorkDir, uuid)
	}
	return path.Join(em.WorkDir, uuid[:2], uuid[2:4], uuid[4:])
}

// relPath checks that name stays inside the working directory.
func relPath(name string) (string, error) {
	clean := path.Clean(name)
	if name == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid relative path %q", name)
	}
	return clean, nil
}

// Upload creates the job's working directory and writes the payload
// files and submit script into it. On success, rec's RemoteWorkdir,
// SubmitScript, RetrieveList, Stash and Monitors reflect info.
func (em *Manager) Upload(ctx context.Context, tr transport.Transport, rec *calc.Record, info *calc.CalcInfo) error {
	logger := em.logger(rec)
	workdir := em.Workdir(rec.UUID)
	if err := tr.Mkdir(ctx, workdir); err != nil {
		return fmt.Errorf("mkdir %s: %w", workdir, err)
	}
	var total int64
	for name, data := range info.Files {
		rel, err := relPath(name)
		if err != nil {
			return err
		}
		dst := path.Join(workdir, rel)
		if dir := path.Dir(rel); dir != "." {
			if err := tr.Mkdir(ctx, path.Join(workdir, dir)); err != nil {
				return fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		if err := tr.PutBytes(ctx, data, dst); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		total += int64(len(data))
	}
	scriptName := info.ScriptName
	if scriptName == "" {
		scriptName = DefaultScriptName
	}
	if _, err := relPath(scriptName); err != nil {
		return err
	}
	if !info.SkipSubmit || info.Script != "" {
		script := path.Join(workdir, scriptName)
		if err := tr.PutBytes(ctx, []byte(info.Script), script); err != nil {
			return fmt.Errorf("upload submit script: %w", err)
		}
		if err := tr.Chmod(ctx, script, 0755); err != nil {
			return fmt.Errorf("chmod submit script: %w", err)
		}
		total += int64(len(info.Script))
	}
	for _, pattern := range info.RetrieveList {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid retrieve pattern %q", pattern)
		}
	}
	rec.RemoteWorkdir = workdir
	rec.SubmitScript = scriptName
	rec.RetrieveList = info.RetrieveList
	rec.Stash = info.Stash
	if info.Monitors != nil {
		rec.Monitors = info.Monitors
	}
	logger.WithFields(logrus.Fields{
		"Workdir": workdir,
		"Files":   len(info.Files),
		"Size":    humanize.IBytes(uint64(total)),
	}).Info("uploaded job payload")
	return nil
}

// Submit hands the uploaded job to the scheduler and returns the
// scheduler's job ID.
func (em *Manager) Submit(ctx context.Context, tr transport.Transport, rec *calc.Record) (string, error) {
	if rec.RemoteWorkdir == "" {
		return "", errors.New("job has not been uploaded")
	}
	jobID, err := em.Scheduler.Submit(ctx, tr, rec.RemoteWorkdir, rec.SubmitScript)
	if err != nil {
		return "", err
	}
	em.logger(rec).WithField("JobID", jobID).Info("submitted job")
	return jobID, nil
}

// Kill cancels the job with the scheduler. It does nothing if the
// job was never submitted.
func (em *Manager) Kill(ctx context.Context, tr transport.Transport, rec *calc.Record) error {
	if rec.JobID == "" {
		return nil
	}
	err := em.Scheduler.Kill(ctx, tr, rec.JobID)
	if err != nil {
		return fmt.Errorf("kill job %s: %w", rec.JobID, err)
	}
	em.logger(rec).WithField("JobID", rec.JobID).Info("killed job")
	return nil
}

// Stash copies the files matching the job's stash source list into
// Target/<uuid>. Patterns that match nothing are logged and skipped.
func (em *Manager) Stash(ctx context.Context, tr transport.Transport, rec *calc.Record) error {
	if rec.Stash == nil || len(rec.Stash.SourceList) == 0 {
		return nil
	}
	logger := em.logger(rec)
	if !path.IsAbs(rec.Stash.Target) {
		return fmt.Errorf("stash target %q is not an absolute path", rec.Stash.Target)
	}
	target := path.Join(rec.Stash.Target, rec.UUID)
	if err := tr.Mkdir(ctx, target); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	copied := 0
	for _, pattern := range rec.Stash.SourceList {
		matches, err := tr.Glob(ctx, rec.RemoteWorkdir, pattern)
		if err != nil {
			return fmt.Errorf("stash %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			logger.WithField("Pattern", pattern).Warn("stash pattern matched no files")
			continue
		}
		for _, rel := range matches {
			dst := path.Join(target, rel)
			if err := tr.Mkdir(ctx, path.Dir(dst)); err != nil {
				return err
			}
			if err := tr.Copy(ctx, path.Join(rec.RemoteWorkdir, rel), dst); err != nil {
				return fmt.Errorf("stash %s: %w", rel, err)
			}
			copied++
		}
	}
	logger.WithFields(logrus.Fields{
		"Target": target,
		"Files":  copied,
	}).Info("stashed job output")
	return nil
}

// Retrieve downloads the files matching the job's retrieve list into
// localDir, then tries to fetch accounting details from the
// scheduler. Missing accounting details are not an error.
func (em *Manager) Retrieve(ctx context.Context, tr transport.Transport, rec *calc.Record, localDir string) error {
	logger := em.logger(rec)
	t0 := time.Now()
	var total int64
	files := 0
	for _, pattern := range rec.RetrieveList {
		matches, err := tr.Glob(ctx, rec.RemoteWorkdir, pattern)
		if err != nil {
			return fmt.Errorf("retrieve %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			logger.WithField("Pattern", pattern).Warn("retrieve pattern matched no files")
		}
		for _, rel := range matches {
			if _, err := relPath(rel); err != nil {
				return err
			}
			dst := filepath.Join(localDir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			if err := tr.Get(ctx, path.Join(rec.RemoteWorkdir, rel), dst); err != nil {
				return fmt.Errorf("retrieve %s: %w", rel, err)
			}
			if fi, err := os.Stat(dst); err == nil {
				total += fi.Size()
			}
			files++
		}
	}
	logger.WithFields(logrus.Fields{
		"Files":   files,
		"Size":    humanize.IBytes(uint64(total)),
		"Elapsed": time.Since(t0).Truncate(time.Millisecond),
	}).Info("retrieved job output")

	if rec.JobID != "" {
		detail, err := em.Scheduler.DetailedJobInfo(ctx, tr, rec.JobID)
		if errors.Is(err, scheduler.ErrNotAvailable) {
			logger.Debug("detailed job info not available")
		} else if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			logger.WithError(err).Warn("could not get detailed job info")
		} else {
			rec.DetailedJobInfo = detail
		}
	}
	return nil
}
