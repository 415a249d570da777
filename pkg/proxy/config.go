package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/netip"
	"slices"

	"golang.org/x/crypto/ssh"
)

// Factory produces the per-connection configuration for a candidate username.
// It is called once per authentication attempt, before the client has been
// authenticated, and may be called from many connections at once.
type Factory interface {
	NewProxyConfig(ctx context.Context, username string) (*ProxyConfig, error)
}

// FactoryFunc adapts a plain function to a Factory.
type FactoryFunc func(ctx context.Context, username string) (*ProxyConfig, error)

func (f FactoryFunc) NewProxyConfig(ctx context.Context, username string) (*ProxyConfig, error) {
	return f(ctx, username)
}

// ProxyConfig describes where and how a client session is relayed.
type ProxyConfig struct {
	// Address of the origin SFTP server, host:port.
	Address  string
	Origin   OriginCredentials
	Handlers HandlerSet
	// Metadata is opaque to the proxy.
	Metadata map[string]string
}

// OriginCredentials are used by the proxy to log in to the origin on behalf of
// the client.
type OriginCredentials struct {
	Username string
	Password string
	Signers  []ssh.Signer
	// HostKeyCallback verifies the origin. Nil accepts any host key.
	HostKeyCallback ssh.HostKeyCallback
}

func (o OriginCredentials) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(o.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(o.Signers...))
	}
	if o.Password != "" {
		methods = append(methods, ssh.Password(o.Password))
	}
	return methods
}

// Validate checks the configuration can be used to reach an origin.
func (c *ProxyConfig) Validate() error {
	if c == nil {
		return errors.New("nil proxy config")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("invalid origin address %q: %w", c.Address, err)
	}
	if c.Origin.Username == "" {
		return errors.New("origin username not set")
	}
	if len(c.Origin.authMethods()) == 0 {
		return errors.New("no origin credentials configured")
	}
	return nil
}

// freeze returns a copy that shares no mutable state with c.
func (c *ProxyConfig) freeze() *ProxyConfig {
	frozen := *c
	frozen.Metadata = maps.Clone(c.Metadata)
	frozen.Origin.Signers = slices.Clone(c.Origin.Signers)
	return &frozen
}

// Outcome is the result of a content transform.
type Outcome int

const (
	// Commit passes the transformed content on.
	Commit Outcome = iota
	// Discard drops the content. For uploads the client still sees success but
	// nothing is written to the origin.
	Discard
)

func (o Outcome) String() string {
	switch o {
	case Commit:
		return "commit"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TransformFunc rewrites file content crossing the proxy. Whatever is written to
// out replaces the content read from in.
type TransformFunc func(ctx context.Context, path string, in io.Reader, out io.Writer) (Outcome, error)

// HandlerSet holds the optional session callbacks. Every field may be nil:
// a nil Authenticate rejects every attempt, nil transforms pass content through
// unchanged and a nil SessionStarted is skipped.
type HandlerSet struct {
	Authenticate   func(ctx context.Context, cred Credential) (bool, error)
	SessionStarted func(ctx context.Context, client netip.AddrPort)
	Ingress        TransformFunc
	Egress         TransformFunc
}

// AuthMethod names the credential kind of an attempt.
type AuthMethod string

const (
	AuthNone      AuthMethod = "none"
	AuthPassword  AuthMethod = "password"
	AuthPublicKey AuthMethod = "publickey"
)

// Credential is the material supplied by a client in one authentication attempt.
type Credential struct {
	Method     AuthMethod
	Username   string
	Password   string
	PublicKey  ssh.PublicKey
	ClientAddr netip.AddrPort
}

// AuthResult classifies an attempt. Clients only ever observe accept or reject;
// the finer distinction is kept for logs and metrics.
type AuthResult string

const (
	AuthAccepted        AuthResult = "accepted"
	AuthRejected        AuthResult = "rejected"
	AuthFactoryFailed   AuthResult = "factory_failed"
	AuthHandlerFailed   AuthResult = "handler_failed"
	AuthBackendRejected AuthResult = "backend_rejected"
)

// AuthAttempt is reported to Options.OnAuthAttempt for every attempt.
type AuthAttempt struct {
	SessionID  string
	Credential Credential
	Result     AuthResult
	Err        error
}
