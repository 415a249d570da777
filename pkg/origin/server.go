// Package origin is a small SFTP server that exposes one directory. It stands
// in for the upstream server during development and in tests.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
)

type config struct {
	Addr           string
	Root           string
	ReadOnly       bool
	HostKeys       []ssh.Signer
	AuthorizedKeys map[string][]ssh.PublicKey // username -> array of authorized public keys
	PasswordAuth   map[string]string          // username -> password
}

type Server struct {
	cfg      *config
	log      *slog.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a server from cfg, parsing its host key and authorized keys.
func New(log *slog.Logger, cfg *domain.OriginServer) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("origin server not configured")
	}
	if len(cfg.HostKey) == 0 {
		return nil, errors.New("no host keys configured")
	}
	hostKey, err := ssh.ParsePrivateKey(cfg.HostKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid root %q: %w", cfg.Root, err)
	}

	authorizedKeys := make(map[string][]ssh.PublicKey)
	for username, lines := range cfg.AuthorizedKeys {
		userKeys := make([]ssh.PublicKey, 0, len(lines))
		for _, line := range lines {
			pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
			if err != nil {
				log.Warn("failed to parse authorized key", "user", username, "error", err)
				continue
			}
			userKeys = append(userKeys, pubKey)
		}
		if len(userKeys) > 0 {
			authorizedKeys[username] = userKeys
		}
	}

	return &Server{
		cfg: &config{
			Addr:           cfg.Addr,
			Root:           root,
			ReadOnly:       cfg.ReadOnly,
			HostKeys:       []ssh.Signer{hostKey},
			AuthorizedKeys: authorizedKeys,
			PasswordAuth:   cfg.PasswordAuth,
		},
		log: log.With("component", "origin"),
	}, nil
}

// Listen binds the listening socket; Addr is valid afterwards.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HostKey is the public half of the server's host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.cfg.HostKeys[0].PublicKey()
}

// Serve accepts connections until ctx is cancelled, binding first if Listen
// was not called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: s.publicKeyCallback,
		PasswordCallback:  s.passwordCallback,
	}
	for _, key := range s.cfg.HostKeys {
		config.AddHostKey(key)
	}

	s.log.Info("origin listening", "addr", s.listener.Addr().String(), "root", s.cfg.Root, "read_only", s.cfg.ReadOnly)
	go s.acceptConnections(ctx, config)

	<-ctx.Done()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Error("error closing listener", "error", err)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptConnections(ctx context.Context, config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn, config)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, config *ssh.ServerConfig) {
	defer func() { _ = conn.Close() }()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.log.Debug("failed to handshake", "error", err, "remote", conn.RemoteAddr())
		return
	}
	defer func() { _ = sshConn.Close() }()
	s.log.Debug("handshake complete", "user", sshConn.User(), "remote", conn.RemoteAddr())

	go ssh.DiscardRequests(reqs)
	go func() {
		<-ctx.Done()
		_ = sshConn.Close()
	}()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.log.Error("failed to accept channel", "error", err)
			continue
		}
		go s.handleSession(channel, requests, sshConn.User())
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, user string) {
	defer func() { _ = channel.Close() }()

	for req := range requests {
		if req.Type != "subsystem" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var subsys struct{ Subsystem string }
		if err := ssh.Unmarshal(req.Payload, &subsys); err != nil || subsys.Subsystem != "sftp" {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		go ssh.DiscardRequests(requests)
		s.handleSFTP(channel, user)
		return
	}
}

func (s *Server) handleSFTP(channel ssh.Channel, user string) {
	opts := []sftp.ServerOption{sftp.WithServerWorkingDirectory(s.cfg.Root)}
	if s.cfg.ReadOnly {
		opts = append(opts, sftp.ReadOnly())
	}
	server, err := sftp.NewServer(channel, opts...)
	if err != nil {
		s.log.Error("failed to create SFTP server", "error", err)
		return
	}
	defer func() { _ = server.Close() }()

	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		s.log.Error("SFTP server error", "error", err, "user", user)
	}
}

func (s *Server) publicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	for _, authorizedKey := range s.cfg.AuthorizedKeys[conn.User()] {
		if keysEqual(key, authorizedKey) {
			return &ssh.Permissions{}, nil
		}
	}
	s.log.Debug("key not authorized", "user", conn.User())
	return nil, errors.New("key not authorized")
}

func (s *Server) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	expected, ok := s.cfg.PasswordAuth[conn.User()]
	if !ok || expected != string(password) {
		s.log.Debug("password rejected", "user", conn.User())
		return nil, errors.New("password rejected")
	}
	return &ssh.Permissions{}, nil
}

func keysEqual(a, b ssh.PublicKey) bool {
	return a.Type() == b.Type() && string(a.Marshal()) == string(b.Marshal())
}
