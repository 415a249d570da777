package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/Rudd3r/sftpproxy/pkg/metrics"
)

// State is a point in the session lifecycle. States only move forward.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateRelaying
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateReady, StateRejected, StateClosed},
	StateReady:          {StateRelaying, StateClosed},
	StateRelaying:       {StateClosed},
	StateRejected:       {StateClosed},
}

// Session is the live state of one client connection.
type Session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	log     *slog.Logger
	metrics *metrics.Collector

	// client is the effective client address, from the preamble when present.
	client netip.AddrPort
	// peer is the socket peer as seen by the listener.
	peer net.Addr

	mu        sync.Mutex
	state     State
	username  string
	cfg       *ProxyConfig
	backend   *backend
	transfers map[*pendingTransfer]struct{}
	started   bool
}

func newSession(ctx context.Context, log *slog.Logger, m *metrics.Collector, client netip.AddrPort, peer net.Addr) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:        id,
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With("session", id, "remote", client.String()),
		metrics:   m,
		client:    client,
		peer:      peer,
		state:     StateConnecting,
		transfers: make(map[*pendingTransfer]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// ClientAddr is the effective client address.
func (s *Session) ClientAddr() netip.AddrPort { return s.client }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username is the authenticated username, empty before authentication.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Config returns the frozen configuration, nil before authentication.
func (s *Session) Config() *ProxyConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// advance moves the session to next. Moving to the current state is a no-op.
func (s *Session) advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(next)
}

func (s *Session) advanceLocked(next State) error {
	if s.state == next {
		return nil
	}
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.log.Debug("session state", "from", s.state, "to", next)
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", s.state, next)
}

// attach records the first successfully authenticated configuration and its
// backend. It reports false when a backend is already attached.
func (s *Session) attach(username string, cfg *ProxyConfig, b *backend) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil || s.state >= StateClosed {
		return false
	}
	s.username = username
	s.cfg = cfg
	s.backend = b
	s.log = s.log.With("user", username)
	return true
}

func (s *Session) logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

func (s *Session) currentBackend() *backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// start fires the SessionStarted callback once and marks the session ready.
func (s *Session) start() error {
	s.mu.Lock()
	if s.started || s.backend == nil {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	if err := s.advanceLocked(StateReady); err != nil {
		s.mu.Unlock()
		return err
	}
	cb := s.cfg.Handlers.SessionStarted
	s.mu.Unlock()

	if cb != nil {
		cb(s.ctx, s.client)
	}
	return nil
}

func (s *Session) track(t *pendingTransfer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateClosed {
		return false
	}
	s.transfers[t] = struct{}{}
	return true
}

func (s *Session) untrack(t *pendingTransfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transfers, t)
}

// Close ends the session: pending transfers are aborted and the backend closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	pending := make([]*pendingTransfer, 0, len(s.transfers))
	for t := range s.transfers {
		pending = append(pending, t)
	}
	clear(s.transfers)
	b := s.backend
	log := s.log
	s.mu.Unlock()

	s.cancel()
	for _, t := range pending {
		t.abort(errSessionClosed)
	}

	log.Debug("session closed", "aborted_transfers", len(pending))
	if b != nil {
		return b.Close()
	}
	return nil
}
