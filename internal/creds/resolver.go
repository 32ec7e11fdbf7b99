// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package creds

import (
	"context"
	"sync"

	"golang.org/x/crypto/ssh"

	apperrors "github.com/fr4nsys/remedia/internal/pkg/errors"
)

// AuthKind selects how a credential authenticates.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
	AuthToken    AuthKind = "token"
	AuthNone     AuthKind = "none"
)

// Credential holds resolved, decrypted connection details for one target
// reference. Secrets must never be logged; callers register them with the
// redactor before use.
type Credential struct {
	Ref        string
	Kind       AuthKind
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte // PEM, key auth only
	Token      string // bearer token, API targets
}

// Secrets returns the literal secret values for redaction registration.
func (c *Credential) Secrets() []string {
	var out []string
	if c.Password != "" {
		out = append(out, c.Password)
	}
	if c.Token != "" {
		out = append(out, c.Token)
	}
	return out
}

// SSHAuthMethods builds the ssh auth methods for this credential.
func (c *Credential) SSHAuthMethods() ([]ssh.AuthMethod, error) {
	switch c.Kind {
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(c.Password)}, nil
	case AuthKey:
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, apperrors.NewCredentialError(c.Ref, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, apperrors.NewCredentialError(c.Ref, apperrors.ErrNotSupported)
	}
}

// Resolver turns a step's auth reference into connection details. It is
// synchronous and authoritative: a failure is fatal to the execution.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*Credential, error)
}

// StaticResolver serves credentials from a fixed map, typically loaded from
// the config file. Key/secret storage and decryption live outside this
// module.
type StaticResolver struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewStaticResolver creates a resolver over the given credentials, keyed by
// their Ref.
func NewStaticResolver(creds []*Credential) *StaticResolver {
	m := make(map[string]*Credential, len(creds))
	for _, c := range creds {
		m[c.Ref] = c
	}
	return &StaticResolver{creds: m}
}

// Resolve returns the credential for ref or a CredentialError.
func (r *StaticResolver) Resolve(_ context.Context, ref string) (*Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.creds[ref]; ok {
		return c, nil
	}
	return nil, apperrors.NewCredentialError(ref, apperrors.ErrNotFound)
}

// Put adds or replaces a credential.
func (r *StaticResolver) Put(c *Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[c.Ref] = c
}
