package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// permAttempt names the Permissions extension carrying the id of the accepted
// attempt. x/crypto/ssh guarantees the connection's Permissions are those
// returned for the credential that actually completed authentication, which
// matters for public keys where the callback also runs for unsigned queries.
const permAttempt = "sftpproxy-attempt"

// candidate is an accepted attempt whose backend is already connected.
type candidate struct {
	username string
	cfg      *ProxyConfig
	backend  *backend
}

// authenticator evaluates every authentication attempt on one connection.
type authenticator struct {
	srv  *Server
	sess *Session

	mu         sync.Mutex
	seq        int
	candidates map[string]*candidate
	// byKey lets repeated attempts with the same credential on the same
	// connection share one backend.
	byKey map[string]string
}

func newAuthenticator(srv *Server, sess *Session) *authenticator {
	return &authenticator{
		srv:        srv,
		sess:       sess,
		candidates: make(map[string]*candidate),
		byKey:      make(map[string]string),
	}
}

func (a *authenticator) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback:     a.passwordCallback,
		PublicKeyCallback:    a.publicKeyCallback,
		NoClientAuth:         true,
		NoClientAuthCallback: a.noneCallback,
		MaxAuthTries:         a.srv.opts.MaxAuthTries,
		ServerVersion:        a.srv.opts.ServerVersion,
	}
	for _, key := range a.srv.opts.HostKeys {
		cfg.AddHostKey(key)
	}
	return cfg
}

func (a *authenticator) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	return a.authenticate(Credential{
		Method:     AuthPassword,
		Username:   conn.User(),
		Password:   string(password),
		ClientAddr: a.sess.client,
	}, "")
}

func (a *authenticator) publicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	return a.authenticate(Credential{
		Method:     AuthPublicKey,
		Username:   conn.User(),
		PublicKey:  key,
		ClientAddr: a.sess.client,
	}, "publickey:"+conn.User()+":"+ssh.FingerprintSHA256(key))
}

func (a *authenticator) noneCallback(conn ssh.ConnMetadata) (*ssh.Permissions, error) {
	return a.authenticate(Credential{
		Method:     AuthNone,
		Username:   conn.User(),
		ClientAddr: a.sess.client,
	}, "")
}

// authenticate runs one attempt through the factory, the handler set and the
// origin login. Every failure is reported to the client as ErrAuthFailed.
func (a *authenticator) authenticate(cred Credential, reuseKey string) (*ssh.Permissions, error) {
	result, id, err := a.evaluate(cred, reuseKey)
	a.report(cred, result, err)
	if result != AuthAccepted {
		return nil, ErrAuthFailed
	}
	return &ssh.Permissions{Extensions: map[string]string{permAttempt: id}}, nil
}

func (a *authenticator) evaluate(cred Credential, reuseKey string) (AuthResult, string, error) {
	ctx := a.sess.ctx

	cfg, err := a.srv.factory.NewProxyConfig(ctx, cred.Username)
	if err != nil {
		return AuthFactoryFailed, "", fmt.Errorf("session factory: %w", err)
	}
	if cfg == nil {
		return AuthFactoryFailed, "", errors.New("session factory returned no config")
	}
	// The factory's object is never read again after this point.
	cfg = cfg.freeze()

	if cfg.Handlers.Authenticate == nil {
		return AuthRejected, "", nil
	}
	ok, err := cfg.Handlers.Authenticate(ctx, cred)
	if err != nil {
		return AuthHandlerFailed, "", fmt.Errorf("authenticate handler: %w", err)
	}
	if !ok {
		return AuthRejected, "", nil
	}

	if reuseKey != "" {
		a.mu.Lock()
		id, found := a.byKey[reuseKey]
		a.mu.Unlock()
		if found {
			return AuthAccepted, id, nil
		}
	}

	b, err := dialBackend(ctx, a.sess.logger(), cfg, a.srv.opts.BackendTimeout, a.srv.opts.ClientVersion)
	if err != nil {
		return AuthBackendRejected, "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	id := strconv.Itoa(a.seq)
	a.candidates[id] = &candidate{username: cred.Username, cfg: cfg, backend: b}
	if reuseKey != "" {
		a.byKey[reuseKey] = id
	}
	return AuthAccepted, id, nil
}

func (a *authenticator) report(cred Credential, result AuthResult, err error) {
	log := a.sess.logger().With("method", cred.Method, "user", cred.Username, "result", result)
	switch result {
	case AuthAccepted:
		log.Info("authentication accepted")
	case AuthRejected:
		log.Info("authentication rejected")
	default:
		log.Warn("authentication failed", "error", err)
	}

	a.srv.opts.Metrics.AuthAttempt(string(cred.Method), string(result))
	if a.srv.opts.OnAuthAttempt != nil {
		a.srv.opts.OnAuthAttempt(AuthAttempt{
			SessionID:  a.sess.id,
			Credential: cred,
			Result:     result,
			Err:        err,
		})
	}
}

// promote attaches the candidate that completed authentication to the session
// and closes every other backend opened along the way.
func (a *authenticator) promote(perms *ssh.Permissions) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id string
	if perms != nil {
		id = perms.Extensions[permAttempt]
	}
	winner, ok := a.candidates[id]
	delete(a.candidates, id)
	for _, c := range a.candidates {
		_ = c.backend.Close()
	}
	clear(a.candidates)
	clear(a.byKey)

	if !ok {
		return errors.New("authenticated without an accepted attempt")
	}
	if !a.sess.attach(winner.username, winner.cfg, winner.backend) {
		_ = winner.backend.Close()
		return errSessionClosed
	}
	return nil
}

// discard closes every candidate backend; used when authentication never
// completes.
func (a *authenticator) discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.candidates {
		_ = c.backend.Close()
	}
	clear(a.candidates)
	clear(a.byKey)
}
