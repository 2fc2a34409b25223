// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package transport defines the interface to remote computers, and
// a Broker that shares connections among concurrent callers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ErrNotOpen is returned by operations on a closed Transport.
var ErrNotOpen = errors.New("transport is not open")

// A Transport executes commands and moves files on one remote
// computer. Open and Close are called by the Broker; the other
// methods are only called while the transport is open.
//
// Paths are remote paths unless the argument name says otherwise.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Minimum time between closing a connection and opening the
	// next one to the same computer.
	SafeOpenInterval() time.Duration

	// Execute a shell command. A non-zero exit status is
	// reported as an *ExitError.
	Exec(ctx context.Context, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)

	Put(ctx context.Context, localPath, path string) error
	Get(ctx context.Context, path, localPath string) error
	// Write data to a new file.
	PutBytes(ctx context.Context, data []byte, path string) error
	// Create a directory and any missing parents.
	Mkdir(ctx context.Context, path string) error
	Chmod(ctx context.Context, path string, mode os.FileMode) error
	// Copy a file or directory tree to another remote path.
	Copy(ctx context.Context, src, dst string) error
	// Return the paths of regular files under dir, relative to
	// dir, that match the doublestar pattern.
	Glob(ctx context.Context, dir, pattern string) ([]string, error)
}

// An ExitError reports a remote command that ran but exited non-zero.
type ExitError struct {
	Command string
	Status  int
	Stderr  []byte
}

func (ee *ExitError) Error() string {
	return fmt.Sprintf("%q exited %d (%q)", ee.Command, ee.Status, strings.TrimSpace(string(ee.Stderr)))
}

// Quote returns s quoted for use as a single word in a POSIX shell
// command.
func Quote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
