package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Rudd3r/sftpproxy/pkg/metrics"
	"github.com/Rudd3r/sftpproxy/pkg/preamble"
)

const (
	DefaultPreambleTimeout = 5 * time.Second
	DefaultBackendTimeout  = 10 * time.Second
	DefaultLoginTimeout    = 2 * time.Minute
	DefaultMaxAuthTries    = 6
	DefaultMaxTransferSize = 256 << 20
	DefaultServerVersion   = "SSH-2.0-sftpproxy"
)

// Options tune a Server. Zero values select the defaults.
type Options struct {
	HostKeys []ssh.Signer

	// ProxyProtocol expects an optional PROXY v1 line before the SSH banner.
	ProxyProtocol   bool
	PreambleTimeout time.Duration
	// LoginTimeout bounds the handshake and authentication of a client.
	LoginTimeout   time.Duration
	BackendTimeout time.Duration
	MaxAuthTries   int
	// MaxTransferSize bounds a single buffered transfer in bytes; 0 selects
	// DefaultMaxTransferSize.
	MaxTransferSize int64

	// ConnectionRate limits accepted connections per second; 0 is unlimited.
	ConnectionRate  rate.Limit
	ConnectionBurst int

	OnAuthAttempt func(AuthAttempt)
	Metrics       *metrics.Collector

	ServerVersion string
	// ClientVersion is sent to origins; empty uses the ssh package default.
	ClientVersion string
}

func (o Options) withDefaults() Options {
	if o.PreambleTimeout <= 0 {
		o.PreambleTimeout = DefaultPreambleTimeout
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = DefaultLoginTimeout
	}
	if o.BackendTimeout <= 0 {
		o.BackendTimeout = DefaultBackendTimeout
	}
	if o.MaxAuthTries == 0 {
		o.MaxAuthTries = DefaultMaxAuthTries
	}
	if o.MaxTransferSize <= 0 {
		o.MaxTransferSize = DefaultMaxTransferSize
	}
	if o.ServerVersion == "" {
		o.ServerVersion = DefaultServerVersion
	}
	if o.ConnectionRate > 0 && o.ConnectionBurst <= 0 {
		o.ConnectionBurst = 1
	}
	return o
}

// Server accepts SFTP clients and relays each one to the origin chosen by the
// factory.
type Server struct {
	log     *slog.Logger
	factory Factory
	opts    Options
	limiter *rate.Limiter

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]*sessionGroup
}

// sessionGroup holds the sessions accepted on one listener.
type sessionGroup struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

func newSessionGroup() *sessionGroup {
	return &sessionGroup{sessions: make(map[*Session]struct{})}
}

func (g *sessionGroup) track(sess *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sess] = struct{}{}
}

func (g *sessionGroup) untrack(sess *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sess)
}

func (g *sessionGroup) closeAll() {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for sess := range g.sessions {
		sessions = append(sessions, sess)
	}
	g.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
}

func NewServer(log *slog.Logger, factory Factory, opts Options) (*Server, error) {
	if factory == nil {
		return nil, errors.New("no session factory")
	}
	if len(opts.HostKeys) == 0 {
		return nil, ErrNoHostKeys
	}
	opts = opts.withDefaults()

	s := &Server{
		log:       log,
		factory:   factory,
		opts:      opts,
		listeners: make(map[net.Listener]*sessionGroup),
	}
	if opts.ConnectionRate > 0 {
		s.limiter = rate.NewLimiter(opts.ConnectionRate, opts.ConnectionBurst)
	}
	return s, nil
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Close is called.
// The sessions accepted on ln are closed and waited for before it returns.
// Serve may run concurrently on several listeners.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	group := newSessionGroup()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = group
	s.mu.Unlock()

	s.log.Info("sftp proxy listening", "addr", ln.Addr().String(), "proxy_protocol", s.opts.ProxyProtocol)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.acceptConnections(gctx, ln, group)
	})
	err := g.Wait()

	s.mu.Lock()
	delete(s.listeners, ln)
	closed := s.closed
	s.mu.Unlock()

	s.log.Info("shutting down sftp proxy", "addr", ln.Addr().String())
	group.closeAll()
	group.wg.Wait()

	if err == nil && closed {
		return ErrServerClosed
	}
	return err
}

// Close stops every listener and ends every live session.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listeners := make(map[net.Listener]*sessionGroup, len(s.listeners))
	for ln, group := range s.listeners {
		listeners[ln] = group
	}
	s.mu.Unlock()

	var errs []error
	for ln, group := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		group.closeAll()
	}
	return errors.Join(errs...)
}

func (s *Server) acceptConnections(ctx context.Context, ln net.Listener, group *sessionGroup) error {
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("temporary accept failure", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		group.wg.Add(1)
		go func() {
			defer group.wg.Done()
			s.handleConnection(ctx, conn, group)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, group *sessionGroup) {
	defer func() { _ = conn.Close() }()

	var nc net.Conn = conn
	client := addrPortOf(conn.RemoteAddr())
	if s.opts.ProxyProtocol {
		pc, err := preamble.Accept(conn, s.opts.PreambleTimeout)
		if err != nil {
			s.log.Warn("invalid proxy preamble", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		if h := pc.Header(); h != nil && h.HasSource() {
			client = h.Source
		}
		nc = pc
	}

	sess := newSession(ctx, s.log, s.opts.Metrics, client, conn.RemoteAddr())
	group.track(sess)
	s.opts.Metrics.SessionOpened()
	defer func() {
		_ = sess.Close()
		group.untrack(sess)
		s.opts.Metrics.SessionClosed()
	}()

	log := sess.logger()
	log.Info("new connection", "peer", conn.RemoteAddr())

	if err := sess.advance(StateAuthenticating); err != nil {
		return
	}

	auth := newAuthenticator(s, sess)
	_ = nc.SetDeadline(time.Now().Add(s.opts.LoginTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, auth.serverConfig())
	if err != nil {
		auth.discard()
		_ = sess.advance(StateRejected)
		log.Info("handshake failed", "error", err)
		return
	}
	defer func() { _ = sshConn.Close() }()
	_ = nc.SetDeadline(time.Time{})

	if err := auth.promote(sshConn.Permissions); err != nil {
		log.Error("failed to attach origin session", "error", err)
		return
	}
	if err := sess.start(); err != nil {
		log.Error("failed to start session", "error", err)
		return
	}
	sess.logger().Info("handshake complete, authenticated")

	go ssh.DiscardRequests(reqs)

	b := sess.currentBackend()
	go func() {
		_ = b.Wait()
		sess.logger().Info("origin connection closed")
		_ = sess.Close()
	}()
	go func() {
		<-sess.ctx.Done()
		_ = sshConn.Close()
	}()

	var channels sync.WaitGroup
	for newChannel := range chans {
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.handleChannel(sess, newChannel)
		}()
	}
	channels.Wait()
	sess.logger().Info("client disconnected")
}

// handleChannel serves one channel open request. Only session channels on a
// session with a live backend are accepted.
func (s *Server) handleChannel(sess *Session, newChannel ssh.NewChannel) {
	if newChannel.ChannelType() != "session" {
		_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		return
	}
	if sess.currentBackend() == nil || sess.State() >= StateClosed {
		_ = newChannel.Reject(ssh.Prohibited, "session not authenticated")
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		sess.logger().Error("failed to accept channel", "error", err)
		return
	}
	defer func() { _ = channel.Close() }()

	for req := range requests {
		if req.Type != "subsystem" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		subsysReq := &subsystemRequestMsg{}
		if err := ssh.Unmarshal(req.Payload, subsysReq); err != nil {
			sess.logger().Error("failed to parse subsystem", "error", err)
			_ = req.Reply(false, nil)
			continue
		}
		if subsysReq.Subsystem != "sftp" {
			sess.logger().Warn("unknown subsystem", "subsystem", subsysReq.Subsystem)
			_ = req.Reply(false, nil)
			continue
		}

		_ = req.Reply(true, nil)
		go ssh.DiscardRequests(requests)
		s.serveSFTP(sess, channel)
		return
	}
}

func (s *Server) serveSFTP(sess *Session, channel ssh.Channel) {
	b := sess.currentBackend()
	cfg := sess.Config()
	if b == nil || cfg == nil {
		return
	}
	if err := sess.advance(StateRelaying); err != nil {
		sess.logger().Warn("sftp subsystem refused", "error", err)
		return
	}
	log := sess.logger()
	log.Info("SFTP subsystem started")

	rel := newRelay(sess, b, cfg, s.opts.MaxTransferSize)
	server := sftp.NewRequestServer(channel, rel.handlers(), sftp.WithStartDirectory(b.wd))
	defer func() { _ = server.Close() }()

	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		log.Error("SFTP server error", "error", err)
	}
	log.Info("SFTP subsystem ended")
}

type subsystemRequestMsg struct {
	Subsystem string
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	if addr == nil {
		return netip.AddrPort{}
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}
