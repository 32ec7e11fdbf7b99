// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fr4nsys/remedia/internal/models"
	apperrors "github.com/fr4nsys/remedia/internal/pkg/errors"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
	"github.com/fr4nsys/remedia/internal/redact"
)

const defaultSSHPort = 22

// CommandRunner executes Command steps over SSH on the resolved target.
type CommandRunner struct {
	redactor redact.Redactor
	log      *logger.Logger

	// dialTimeout bounds the TCP+handshake phase separately from the
	// step timeout so a dead host fails fast.
	dialTimeout time.Duration
}

// NewCommandRunner creates an SSH command runner.
func NewCommandRunner(redactor redact.Redactor, log *logger.Logger) *CommandRunner {
	return &CommandRunner{
		redactor:    redactor,
		log:         log.Named("runner.command"),
		dialTimeout: 15 * time.Second,
	}
}

// Run connects to the invocation target and executes the command, honoring
// ctx for cancellation and timeout.
func (r *CommandRunner) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Kind != models.StepKindCommand {
		return nil, fmt.Errorf("command runner got step kind %q", inv.Kind)
	}
	if inv.Credential == nil {
		return nil, apperrors.NewCredentialError(inv.Target, apperrors.ErrNotFound)
	}

	ctx, cancel := boundCtx(ctx, inv)
	defer cancel()

	auth, err := inv.Credential.SSHAuthMethods()
	if err != nil {
		return nil, err
	}

	addr := sshAddr(inv)
	config := &ssh.ClientConfig{
		User:            inv.Credential.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host pinning is the credential store's concern
		Timeout:         r.dialTimeout,
	}

	start := time.Now()
	client, err := dialSSH(ctx, addr, config)
	if err != nil {
		return nil, apperrors.NewCredentialError(inv.Target, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// ssh sessions don't take a context; run in a goroutine and tear the
	// connection down on cancellation so Run always returns.
	done := make(chan error, 1)
	go func() { done <- session.Run(inv.Command) }()

	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		} else {
			return nil, fmt.Errorf("run command: %w", err)
		}
	}

	r.log.Debug("command finished",
		"target", inv.Target, "exit_code", res.ExitCode, "duration", res.Duration)
	return finalize(res, inv, r.redactor), nil
}

// dialSSH performs the SSH dial with ctx honored during connection setup.
func dialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// sshAddr resolves the dial address: the credential's host wins, the
// rendered target is the fallback, port 22 is assumed when missing.
func sshAddr(inv *Invocation) string {
	host := inv.Target
	if inv.Credential.Host != "" {
		host = inv.Credential.Host
	}
	if strings.Contains(host, ":") {
		return host
	}
	port := inv.Credential.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}
