package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opencode-ai/gatekeeper/internal/config"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// DefaultScreenDelay is the pause between the remote shell starting and the
// screen bootstrap command being written.
const DefaultScreenDelay = 500 * time.Millisecond

// Server is the inbound SSH listener.
type Server struct {
	sup    *Supervisor
	dialer *Dialer
	sshCfg *ssh.ServerConfig
	addr   string

	screen      string
	screenDelay time.Duration
	onFault     func(error)

	mu       sync.Mutex
	listener net.Listener
	conns    map[*ssh.ServerConn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithScreenDelay overrides DefaultScreenDelay.
func WithScreenDelay(d time.Duration) Option {
	return func(s *Server) { s.screenDelay = d }
}

// WithFaultHandler registers fn to be called when a session goroutine
// panics. The panic is recovered and logged either way.
func WithFaultHandler(fn func(error)) Option {
	return func(s *Server) { s.onFault = fn }
}

// WithDialer replaces the destination dialer built from the configuration.
func WithDialer(d *Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// NewServer builds the SSH server from cfg: host keys, user authentication,
// banner, destination dialer and screen bootstrap.
func NewServer(cfg *types.Config, sup *Supervisor, opts ...Option) (*Server, error) {
	auth, err := NewAuthenticator(cfg.AllowedUsers)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ServerConfig{
		PasswordCallback:  auth.Password,
		PublicKeyCallback: auth.PublicKey,
	}
	if banner := cfg.Proxy.Banner; banner != "" {
		if !strings.HasSuffix(banner, "\n") {
			banner += "\r\n"
		}
		sshCfg.BannerCallback = func(ssh.ConnMetadata) string { return banner }
	}
	for _, path := range cfg.Proxy.HostKey {
		signer, err := loadHostKey(path)
		if err != nil {
			return nil, err
		}
		sshCfg.AddHostKey(signer)
	}

	s := &Server{
		sup:         sup,
		dialer:      NewDialer(cfg.Destination),
		sshCfg:      sshCfg,
		addr:        net.JoinHostPort(cfg.Proxy.Host, strconv.Itoa(cfg.Proxy.Port)),
		screen:      config.ScreenSession(cfg),
		screenDelay: DefaultScreenDelay,
		conns:       make(map[*ssh.ServerConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func loadHostKey(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// shutdown and the accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	logging.Info().Str("addr", ln.Addr().String()).Str("destination", s.dialer.Addr()).Msg("ssh proxy listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.recoverFault("connection")
			s.handleConn(nc)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops accepting connections and drains the live sessions
// through the supervisor. Connections still open afterwards are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		logging.Info().Msg("ssh proxy stopped accepting connections")
	}

	s.sup.Shutdown(ctx)

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		logging.Warn().Msg("connection handlers still running after shutdown")
	}
	return err
}

func (s *Server) recoverFault(where string) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("panic in %s: %v", where, r)
	logging.Error().Err(err).Str("stack", string(debug.Stack())).Msg("unexpected fault")
	if s.onFault != nil {
		s.onFault(err)
	}
}

func (s *Server) track(c *ssh.ServerConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.sshCfg)
	if err != nil {
		logging.Debug().Err(err).Str("ip", nc.RemoteAddr().String()).Msg("ssh handshake failed")
		nc.Close()
		return
	}
	s.track(sconn, true)
	defer s.track(sconn, false)
	defer sconn.Close()

	go ssh.DiscardRequests(reqs)

	id := Identity{Username: sconn.User(), Address: remoteHost(sconn.RemoteAddr())}
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			logging.Warn().Err(err).Str("username", id.Username).Msg("accept channel")
			continue
		}
		c := newChannel(s, id, ch)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.recoverFault("session")
			c.serve(chReqs)
		}()
	}
}

func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
