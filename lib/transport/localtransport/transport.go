// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package localtransport provides a transport.Transport for jobs that
// run on the orchestrator's own host.
package localtransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"git.arvados.org/calcjob.git/lib/transport"
	"github.com/bmatcuk/doublestar/v4"
)

// Transport runs commands with /bin/sh and accesses files directly.
type Transport struct {
	// Safe open interval reported to the broker. Usually zero.
	Interval time.Duration

	mtx  sync.Mutex
	open bool
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Open(context.Context) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.open = true
	return nil
}

func (t *Transport) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.open = false
	return nil
}

func (t *Transport) IsOpen() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.open
}

func (t *Transport) SafeOpenInterval() time.Duration {
	return t.Interval
}

func (t *Transport) checkOpen() error {
	if !t.IsOpen() {
		return transport.ErrNotOpen
	}
	return nil
}

func (t *Transport) Exec(ctx context.Context, command string, stdin io.Reader) ([]byte, []byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.Bytes(), stderr.Bytes(), context.Cause(ctx)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		err = &transport.ExitError{Command: command, Status: ee.ExitCode(), Stderr: stderr.Bytes()}
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

func (t *Transport) Put(ctx context.Context, localPath, path string) error {
	return t.Copy(ctx, localPath, path)
}

func (t *Transport) Get(ctx context.Context, path, localPath string) error {
	return t.Copy(ctx, path, localPath)
}

func (t *Transport) PutBytes(ctx context.Context, data []byte, path string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (t *Transport) Mkdir(ctx context.Context, path string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return os.MkdirAll(path, 0755)
}

func (t *Transport) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

// Copy copies a regular file, or a directory tree, from src to dst.
func (t *Transport) Copy(ctx context.Context, src, dst string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return copyFile(src, dst, fi.Mode())
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *Transport) Glob(ctx context.Context, dir, pattern string) ([]string, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(pattern, rel); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	sort.Strings(matches)
	return matches, err
}
