// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshtransport provides a transport.Transport that runs
// commands and moves files over a single multiplexed SSH connection.
package sshtransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"git.arvados.org/calcjob.git/lib/transport"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes the remote computer and how to authenticate.
type Config struct {
	Host string
	// Port name or number. Default "ssh".
	Port    string
	User    string
	Signers []ssh.Signer
	// Default: accept any host key.
	HostKeyCallback  ssh.HostKeyCallback
	SafeOpenInterval time.Duration
	// Timeout for setting up the TCP connection and SSH
	// handshake. Zero means no timeout other than the context
	// passed to Open.
	ConnectTimeout time.Duration
}

// LoadSigners reads a private key file.
func LoadSigners(keyFile string) ([]ssh.Signer, error) {
	buf, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", keyFile, err)
	}
	return []ssh.Signer{signer}, nil
}

// HostKeyCallback returns a callback that checks host keys against
// the given known_hosts file. If the filename is empty, any host key
// is accepted.
func HostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(knownHostsFile)
}

// New returns a new Transport. It does not connect until Open is
// called.
func New(cfg Config, logger logrus.FieldLogger) *Transport {
	if cfg.Port == "" {
		cfg.Port = "ssh"
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.WithField("Host", cfg.Host),
	}
}

// A Transport uses one SSH connection for all operations. Each
// operation runs in its own SSH session, so concurrent operations
// are safe.
type Transport struct {
	cfg    Config
	logger logrus.FieldLogger

	mtx    sync.RWMutex
	client *ssh.Client
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Open(ctx context.Context) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.client != nil {
		return nil
	}
	if t.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
	}
	addr := net.JoinHostPort(t.cfg.Host, t.cfg.Port)
	var dialer net.Dialer
	netconn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		netconn.SetDeadline(deadline)
	}
	// Abort the handshake if ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { netconn.Close() })
	conn, chans, reqs, err := ssh.NewClientConn(netconn, addr, &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.cfg.Signers...)},
		HostKeyCallback: t.cfg.HostKeyCallback,
	})
	if !stop() {
		if err == nil {
			conn.Close()
		}
		return context.Cause(ctx)
	}
	if err != nil {
		netconn.Close()
		return err
	}
	netconn.SetDeadline(time.Time{})
	t.client = ssh.NewClient(conn, chans, reqs)
	t.logger.WithField("Address", addr).Debug("ssh connection established")
	return nil
}

func (t *Transport) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *Transport) IsOpen() bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.client != nil
}

func (t *Transport) SafeOpenInterval() time.Duration {
	return t.cfg.SafeOpenInterval
}

// run executes cmd in a new session, copying stdout to the given
// writer, and returns stderr.
func (t *Transport) run(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) ([]byte, error) {
	t.mtx.RLock()
	client := t.client
	t.mtx.RUnlock()
	if client == nil {
		return nil, transport.ErrNotOpen
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()
	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = &stderr
	if err := session.Start(cmd); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		err = context.Cause(ctx)
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return stderr.Bytes(), &transport.ExitError{
			Command: cmd,
			Status:  ee.ExitStatus(),
			Stderr:  stderr.Bytes(),
		}
	}
	return stderr.Bytes(), err
}

func (t *Transport) Exec(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	var stdout bytes.Buffer
	stderr, err := t.run(ctx, cmd, stdin, &stdout)
	return stdout.Bytes(), stderr, err
}

func (t *Transport) Put(ctx context.Context, localPath, path string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := t.run(ctx, "cat >"+transport.Quote(path), f, io.Discard); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	t.logger.WithFields(logrus.Fields{
		"Path": path,
		"Size": humanize.Bytes(uint64(fi.Size())),
	}).Debug("put file")
	return nil
}

func (t *Transport) PutBytes(ctx context.Context, data []byte, path string) error {
	if _, err := t.run(ctx, "cat >"+transport.Quote(path), bytes.NewReader(data), io.Discard); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (t *Transport) Get(ctx context.Context, path, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	cw := &countingWriter{w: f}
	_, err = t.run(ctx, "cat "+transport.Quote(path), nil, cw)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("get %s: %w", path, err)
	}
	t.logger.WithFields(logrus.Fields{
		"Path": path,
		"Size": humanize.Bytes(uint64(cw.n)),
	}).Debug("got file")
	return nil
}

func (t *Transport) Mkdir(ctx context.Context, path string) error {
	_, err := t.run(ctx, "mkdir -p "+transport.Quote(path), nil, io.Discard)
	return err
}

func (t *Transport) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	_, err := t.run(ctx, fmt.Sprintf("chmod %o %s", mode.Perm(), transport.Quote(path)), nil, io.Discard)
	return err
}

func (t *Transport) Copy(ctx context.Context, src, dst string) error {
	_, err := t.run(ctx, "cp -R "+transport.Quote(src)+" "+transport.Quote(dst), nil, io.Discard)
	return err
}

func (t *Transport) Glob(ctx context.Context, dir, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	var stdout bytes.Buffer
	if _, err := t.run(ctx, "cd "+transport.Quote(dir)+" && find . -type f", nil, &stdout); err != nil {
		return nil, err
	}
	var matches []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		rel := strings.TrimPrefix(line, "./")
		if rel == "" || rel == line {
			continue
		}
		if ok, _ := doublestar.Match(pattern, rel); ok {
			matches = append(matches, rel)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
