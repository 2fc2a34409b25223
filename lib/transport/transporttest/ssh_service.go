// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package transporttest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// GenerateKey returns a new ed25519 keypair.
func GenerateKey(c *check.C) (ssh.PublicKey, ssh.Signer) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	pubkey, err := ssh.NewPublicKey(pub)
	c.Assert(err, check.IsNil)
	return pubkey, signer
}

// An SSHExecFunc handles an "exec" session on a multiplexed SSH
// connection and returns the exit status.
type SSHExecFunc func(command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// ShellExec runs each command with the local /bin/sh.
func ShellExec(command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if ee, ok := err.(*exec.ExitError); ok {
		return uint32(ee.ExitCode())
	} else if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// An SSHService accepts SSH connections on an available TCP port and
// passes clients' "exec" sessions to the provided SSHExecFunc.
type SSHService struct {
	Exec           SSHExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey

	listener net.Listener
	setup    sync.Once
	mtx      sync.Mutex
	started  chan bool
	closed   bool
	err      error
	conns    int64
}

// Address returns the host:port where the SSH server is listening.
func (ss *SSHService) Address() string {
	ss.Start()
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.listener == nil {
		return ""
	}
	return ss.listener.Addr().String()
}

// Connections returns the number of client connections accepted so
// far.
func (ss *SSHService) Connections() int {
	return int(atomic.LoadInt64(&ss.conns))
}

// Close shuts down the server. Established connections are
// unaffected.
func (ss *SSHService) Close() {
	ss.Start()
	ss.mtx.Lock()
	ln := ss.listener
	ss.closed = true
	ss.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Start returns when the server is ready to accept connections.
func (ss *SSHService) Start() error {
	ss.setup.Do(func() {
		ss.started = make(chan bool)
		go ss.run()
	})
	<-ss.started
	return ss.err
}

func (ss *SSHService) run() {
	defer close(ss.started)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if ss.AuthorizedUser != "" && c.User() != ss.AuthorizedUser {
				return nil, fmt.Errorf("unknown user %q", c.User())
			}
			for _, ak := range ss.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(ss.HostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		ss.err = err
		return
	}

	ss.mtx.Lock()
	ss.listener = listener
	ss.mtx.Unlock()

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				ss.mtx.Lock()
				closed := ss.closed
				ss.mtx.Unlock()
				if !closed || !strings.Contains(err.Error(), "use of closed network connection") {
					log.Printf("accept: %s", err)
				}
				return
			}
			atomic.AddInt64(&ss.conns, 1)
			go ss.serveConn(nConn, config)
		}
	}()
}

func (ss *SSHService) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		log.Printf("ssh.NewServerConn: %s", err)
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			log.Printf("accept channel: %s", err)
			return
		}
		go func() {
			didExec := false
			for req := range reqs {
				if didExec || req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var execReq struct {
					Command string
				}
				req.Reply(true, nil)
				ssh.Unmarshal(req.Payload, &execReq)
				didExec = true
				go func() {
					var resp struct {
						Status uint32
					}
					resp.Status = ss.Exec(execReq.Command, ch, ch, ch.Stderr())
					ch.CloseWrite()
					ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
					ch.Close()
				}()
			}
		}()
	}
}
