// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshtransport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"git.arvados.org/calcjob.git/lib/transport"
	"git.arvados.org/calcjob.git/lib/transport/transporttest"
	"git.arvados.org/calcjob.git/sdk/go/ctxlog"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&TransportSuite{})

type TransportSuite struct {
	srv *transporttest.SSHService
	tr  *Transport
}

func (s *TransportSuite) SetUpTest(c *check.C) {
	_, hostpriv := transporttest.GenerateKey(c)
	clientpub, clientpriv := transporttest.GenerateKey(c)
	s.srv = &transporttest.SSHService{
		Exec:           transporttest.ShellExec,
		HostKey:        hostpriv,
		AuthorizedUser: "alice",
		AuthorizedKeys: []ssh.PublicKey{clientpub},
	}
	c.Assert(s.srv.Start(), check.IsNil)
	host, port, err := net.SplitHostPort(s.srv.Address())
	c.Assert(err, check.IsNil)
	s.tr = New(Config{
		Host:             host,
		Port:             port,
		User:             "alice",
		Signers:          []ssh.Signer{clientpriv},
		SafeOpenInterval: 5 * time.Second,
		ConnectTimeout:   10 * time.Second,
	}, ctxlog.TestLogger(c))
	c.Assert(s.tr.Open(context.Background()), check.IsNil)
}

func (s *TransportSuite) TearDownTest(c *check.C) {
	s.tr.Close()
	s.srv.Close()
}

func (s *TransportSuite) TestOpenClose(c *check.C) {
	c.Check(s.tr.IsOpen(), check.Equals, true)
	c.Check(s.tr.SafeOpenInterval(), check.Equals, 5*time.Second)
	c.Check(s.tr.Open(context.Background()), check.IsNil)
	c.Check(s.srv.Connections(), check.Equals, 1)
	c.Check(s.tr.Close(), check.IsNil)
	c.Check(s.tr.IsOpen(), check.Equals, false)
	_, _, err := s.tr.Exec(context.Background(), "true", nil)
	c.Check(err, check.Equals, transport.ErrNotOpen)
}

func (s *TransportSuite) TestBadKey(c *check.C) {
	_, otherpriv := transporttest.GenerateKey(c)
	host, port, _ := net.SplitHostPort(s.srv.Address())
	tr := New(Config{Host: host, Port: port, User: "alice", Signers: []ssh.Signer{otherpriv}}, ctxlog.TestLogger(c))
	err := tr.Open(context.Background())
	c.Check(err, check.ErrorMatches, `.*unable to authenticate.*`)
	c.Check(tr.IsOpen(), check.Equals, false)
}

func (s *TransportSuite) TestExec(c *check.C) {
	stdout, stderr, err := s.tr.Exec(context.Background(), "cat; echo err >&2", strings.NewReader("hello"))
	c.Check(err, check.IsNil)
	c.Check(string(stdout), check.Equals, "hello")
	c.Check(string(stderr), check.Equals, "err\n")

	_, _, err = s.tr.Exec(context.Background(), "echo oops >&2; exit 3", nil)
	ee, ok := err.(*transport.ExitError)
	c.Assert(ok, check.Equals, true, check.Commentf("%T %v", err, err))
	c.Check(ee.Status, check.Equals, 3)
	c.Check(string(ee.Stderr), check.Equals, "oops\n")
}

func (s *TransportSuite) TestExecCancel(c *check.C) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	_, _, err := s.tr.Exec(ctx, "sleep 10", nil)
	c.Check(err, check.Equals, context.DeadlineExceeded)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
}

func (s *TransportSuite) TestFiles(c *check.C) {
	ctx := context.Background()
	remote := c.MkDir()
	local := c.MkDir()

	c.Assert(s.tr.Mkdir(ctx, remote+"/work/sub"), check.IsNil)
	c.Assert(s.tr.PutBytes(ctx, []byte("#!/bin/sh\necho hi\n"), remote+"/work/run.sh"), check.IsNil)
	c.Assert(s.tr.Chmod(ctx, remote+"/work/run.sh", 0755), check.IsNil)
	fi, err := os.Stat(remote + "/work/run.sh")
	c.Assert(err, check.IsNil)
	c.Check(fi.Mode().Perm(), check.Equals, os.FileMode(0755))

	c.Assert(os.WriteFile(local+"/in.txt", []byte("input"), 0644), check.IsNil)
	c.Assert(s.tr.Put(ctx, local+"/in.txt", remote+"/work/sub/in.txt"), check.IsNil)
	c.Assert(s.tr.Copy(ctx, remote+"/work", remote+"/copy"), check.IsNil)

	matches, err := s.tr.Glob(ctx, remote+"/copy", "**/*.txt")
	c.Check(err, check.IsNil)
	c.Check(matches, check.DeepEquals, []string{"sub/in.txt"})

	c.Assert(s.tr.Get(ctx, remote+"/copy/sub/in.txt", local+"/out.txt"), check.IsNil)
	buf, err := os.ReadFile(local + "/out.txt")
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "input")

	err = s.tr.Get(ctx, remote+"/nonexistent", local+"/missing.txt")
	c.Check(err, check.NotNil)
	_, err = os.Stat(filepath.Join(local, "missing.txt"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *TransportSuite) TestQuoting(c *check.C) {
	dir := c.MkDir()
	name := dir + "/it's here"
	c.Assert(s.tr.PutBytes(context.Background(), []byte("x"), name), check.IsNil)
	buf, err := os.ReadFile(name)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "x")
}
