// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package transporttest provides fake transports and an in-process
// SSH server for testing code that talks to remote computers.
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"git.arvados.org/calcjob.git/lib/transport"
	"github.com/bmatcuk/doublestar/v4"
)

// An ExecFunc handles a command run on a Stub transport.
type ExecFunc func(ctx context.Context, cmd string, stdin []byte) (stdout, stderr []byte, err error)

// Stub is a transport.Transport that keeps remote files in memory and
// passes commands to ExecFunc.
//
// A zero Stub is usable: it opens instantly, has a zero safe open
// interval, and fails every command.
type Stub struct {
	Interval time.Duration
	// If non-nil, called by Open; a non-nil error is returned
	// from Open and leaves the transport closed.
	OpenFunc func(context.Context) error
	ExecFunc ExecFunc

	mtx      sync.Mutex
	open     bool
	opens    []time.Time
	closes   []time.Time
	commands []string
	files    map[string][]byte
	dirs     map[string]bool
	modes    map[string]os.FileMode
}

var _ transport.Transport = (*Stub)(nil)

func (s *Stub) init() {
	if s.files == nil {
		s.files = map[string][]byte{}
		s.dirs = map[string]bool{}
		s.modes = map[string]os.FileMode{}
	}
}

func (s *Stub) Open(ctx context.Context) error {
	if s.OpenFunc != nil {
		if err := s.OpenFunc(ctx); err != nil {
			return err
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.open = true
	s.opens = append(s.opens, time.Now())
	return nil
}

func (s *Stub) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.open {
		s.open = false
		s.closes = append(s.closes, time.Now())
	}
	return nil
}

func (s *Stub) IsOpen() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.open
}

func (s *Stub) SafeOpenInterval() time.Duration {
	return s.Interval
}

// Opens returns the times Open succeeded.
func (s *Stub) Opens() []time.Time {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]time.Time(nil), s.opens...)
}

// Closes returns the times Close closed an open connection.
func (s *Stub) Closes() []time.Time {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]time.Time(nil), s.closes...)
}

// Commands returns the commands passed to Exec, in order.
func (s *Stub) Commands() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Stub) checkOpen() error {
	if !s.open {
		return transport.ErrNotOpen
	}
	s.init()
	return nil
}

func (s *Stub) Exec(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	s.mtx.Lock()
	if err := s.checkOpen(); err != nil {
		s.mtx.Unlock()
		return nil, nil, err
	}
	s.commands = append(s.commands, cmd)
	fn := s.ExecFunc
	s.mtx.Unlock()
	var in []byte
	if stdin != nil {
		var err error
		in, err = io.ReadAll(stdin)
		if err != nil {
			return nil, nil, err
		}
	}
	if fn == nil {
		return nil, []byte("command not found"), &transport.ExitError{Command: cmd, Status: 127}
	}
	return fn(ctx, cmd, in)
}

// WriteFile stores a remote file without going through an open
// connection.
func (s *Stub) WriteFile(name string, data []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.init()
	s.files[path.Clean(name)] = append([]byte(nil), data...)
}

// ReadFile returns the content of a remote file.
func (s *Stub) ReadFile(name string) ([]byte, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.init()
	data, ok := s.files[path.Clean(name)]
	return data, ok
}

// Mode returns the mode last set by Chmod.
func (s *Stub) Mode(name string) os.FileMode {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.init()
	return s.modes[path.Clean(name)]
}

// IsDir returns true if name was created by Mkdir.
func (s *Stub) IsDir(name string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.init()
	return s.dirs[path.Clean(name)]
}

func (s *Stub) PutBytes(ctx context.Context, data []byte, name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.files[path.Clean(name)] = append([]byte(nil), data...)
	return nil
}

func (s *Stub) Put(ctx context.Context, localPath, name string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return s.PutBytes(ctx, data, name)
}

func (s *Stub) Get(ctx context.Context, name, localPath string) error {
	s.mtx.Lock()
	if err := s.checkOpen(); err != nil {
		s.mtx.Unlock()
		return err
	}
	data, ok := s.files[path.Clean(name)]
	s.mtx.Unlock()
	if !ok {
		return &fs.PathError{Op: "get", Path: name, Err: fs.ErrNotExist}
	}
	return os.WriteFile(localPath, data, 0644)
}

func (s *Stub) Mkdir(ctx context.Context, name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for dir := path.Clean(name); dir != "/" && dir != "."; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
	return nil
}

func (s *Stub) Chmod(ctx context.Context, name string, mode os.FileMode) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	name = path.Clean(name)
	if _, ok := s.files[name]; !ok {
		return &fs.PathError{Op: "chmod", Path: name, Err: fs.ErrNotExist}
	}
	s.modes[name] = mode
	return nil
}

func (s *Stub) Copy(ctx context.Context, src, dst string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	src, dst = path.Clean(src), path.Clean(dst)
	if data, ok := s.files[src]; ok {
		s.files[dst] = append([]byte(nil), data...)
		return nil
	}
	found := false
	for name, data := range s.files {
		if rel := strings.TrimPrefix(name, src+"/"); rel != name {
			s.files[path.Join(dst, rel)] = append([]byte(nil), data...)
			found = true
		}
	}
	if !found {
		return &fs.PathError{Op: "copy", Path: src, Err: fs.ErrNotExist}
	}
	return nil
}

func (s *Stub) Glob(ctx context.Context, dir, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	prefix := path.Clean(dir) + "/"
	var matches []string
	for name := range s.files {
		rel := strings.TrimPrefix(name, prefix)
		if rel == name {
			continue
		}
		if ok, _ := doublestar.Match(pattern, rel); ok {
			matches = append(matches, rel)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// Script returns an ExecFunc that passes each command to the
// responder with the longest matching prefix.
// Unmatched commands fail with exit status 127.
func Script(responders map[string]ExecFunc) ExecFunc {
	return func(ctx context.Context, cmd string, stdin []byte) ([]byte, []byte, error) {
		var best string
		for prefix := range responders {
			if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
				best = prefix
			}
		}
		if fn, ok := responders[best]; ok {
			return fn(ctx, cmd, stdin)
		}
		return nil, []byte("command not found"), &transport.ExitError{Command: cmd, Status: 127}
	}
}

// Reply returns an ExecFunc that always prints stdout and exits 0.
func Reply(stdout string) ExecFunc {
	return func(context.Context, string, []byte) ([]byte, []byte, error) {
		return bytes.Clone([]byte(stdout)), nil, nil
	}
}
