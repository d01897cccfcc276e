// Package echo is the server-side peer for netmsg sessions. It accepts mutual
// TLS connections, decodes frames and answers each one: WRITE and BUNDLE are
// echoed back verbatim, HEARTBEAT is acknowledged, anything it cannot serve
// gets an ERROR frame.
package echo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/imaged/internal/admin"
	"github.com/danmuck/imaged/internal/auth"
	"github.com/danmuck/imaged/internal/deadline"
	"github.com/danmuck/imaged/internal/observability"
	"github.com/danmuck/imaged/internal/protocol"
	"github.com/danmuck/imaged/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrListenAddrRequired = errors.New("echo: listen address required")
	ErrServerCertRequired = errors.New("echo: server certificate and key required")
	ErrClientCAsRequired  = errors.New("echo: client ca files required")
)

type ServiceConfig struct {
	ListenAddr string
	// AdminAddr enables the HTTP health and metrics listener when set.
	AdminAddr string
	// AdminToken, when set, is required as a bearer token on admin routes
	// other than /health.
	AdminToken string
	CAFiles    []string
	CertFile   string
	KeyFile    string

	// ReadTimeout bounds each frame, measured from when the peer starts
	// waiting for its opcode. A session idle for longer is closed.
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	Limits           protocol.Limits
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:       ":8443",
		ReadTimeout:      30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Limits:           protocol.DefaultLimits(),
	}
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddrRequired
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return ErrServerCertRequired
	}
	if len(c.CAFiles) == 0 {
		return ErrClientCAsRequired
	}
	return nil
}

// TLSConfig builds the listener policy: the server identity plus mandatory,
// verified client certificates issued by one of CAFiles.
func (c ServiceConfig) TLSConfig() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("echo: load server keypair: %w", err)
	}
	pool := x509.NewCertPool()
	for _, path := range c.CAFiles {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("echo: read client ca %s: %w", path, err)
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("echo: parse client ca bundle: %s", path)
		}
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}, nil
}

type Service struct {
	cfg    ServiceConfig
	tlsCfg *tls.Config

	sessions atomic.Int64

	connsMu sync.Mutex
	conns   map[*transport.Conn]struct{}
}

func NewService(cfg ServiceConfig) (*Service, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultServiceConfig().ReadTimeout
	}
	if cfg.Limits == (protocol.Limits{}) {
		cfg.Limits = protocol.DefaultLimits()
	}
	return &Service{
		cfg:    cfg,
		tlsCfg: tlsCfg,
		conns:  make(map[*transport.Conn]struct{}),
	}, nil
}

// ActiveSessions is the number of sessions past the handshake.
func (s *Service) ActiveSessions() int {
	return int(s.sessions.Load())
}

// ListenAndServe listens on ListenAddr (and AdminAddr when set) until ctx is
// done.
func (s *Service) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("echo listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, ln) })
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		var guard auth.Validator
		if s.cfg.AdminToken != "" {
			guard = auth.StaticToken{Token: s.cfg.AdminToken}
		}
		g.Go(func() error { return admin.New("echo", s, guard).ListenAndServe(gctx, addr) })
	}
	return g.Wait()
}

// Serve accepts sessions on ln until ctx is done, then closes every live
// session.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, raw)
	}
}

func (s *Service) handleConn(ctx context.Context, raw net.Conn) {
	remote := raw.RemoteAddr().String()
	logger := log.With().Str("remote", remote).Logger()

	conn, err := transport.Accept(ctx, raw, s.tlsCfg, s.cfg.HandshakeTimeout)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake rejected")
		return
	}
	if !s.trackConn(ctx, conn) {
		_ = conn.Close()
		return
	}
	defer s.untrackConn(conn)
	defer conn.Close()

	if peers := conn.PeerCertificates(); len(peers) > 0 {
		logger = logger.With().Str("client", peers[0].Subject.CommonName).Logger()
	}
	active := s.sessions.Add(1)
	logger.Info().Int64("active", active).Msg("session opened")
	defer func() {
		remaining := s.sessions.Add(-1)
		logger.Info().Int64("active", remaining).Msg("session closed")
	}()

	for {
		msg, err := protocol.FromConnWithLimits(conn, deadline.New(s.cfg.ReadTimeout), s.cfg.Limits)
		if err != nil {
			s.rejectFrame(logger, conn, err)
			return
		}
		reply, keep := s.dispatch(logger, msg)
		if reply != nil {
			if err := conn.WriteBytes(reply.Bytes()); err != nil {
				logger.Warn().Err(err).Msg("write reply")
				return
			}
			observability.RecordMessage("sent", reply.Opcode().String())
		}
		if !keep {
			return
		}
	}
}

// dispatch answers one decoded frame. keep is false when the session should
// end after the reply.
func (s *Service) dispatch(logger zerolog.Logger, msg protocol.Message) (reply *protocol.Message, keep bool) {
	if err := msg.Validate(); err != nil {
		logger.Warn().Err(err).Str("opcode", msg.Opcode().String()).Msg("invalid label")
		r := protocol.NewError(err.Error())
		return &r, false
	}
	switch msg.Opcode() {
	case protocol.OpWrite, protocol.OpBundle:
		logger.Debug().
			Str("opcode", msg.Opcode().String()).
			Int("label", len(msg.Label())).
			Int("file", len(msg.File())).
			Msg("echo frame")
		return &msg, true
	case protocol.OpHeartbeat:
		r := protocol.NewAck()
		return &r, true
	case protocol.OpAck:
		return nil, true
	case protocol.OpError:
		logger.Warn().Str("reason", string(msg.Label())).Msg("peer reported error")
		return nil, false
	default:
		r := protocol.NewError(fmt.Sprintf("%s unsupported", msg.Opcode()))
		return &r, true
	}
}

// rejectFrame ends a session after a failed decode, telling the peer why when
// the failure was its fault.
func (s *Service) rejectFrame(logger zerolog.Logger, conn *transport.Conn, err error) {
	var de *protocol.DecodeError
	idle := errors.As(err, &de) && de.State == protocol.StateAwaitingOpcode && conn.Buffered() == 0
	switch {
	case errors.Is(err, transport.ErrConnectionClosed):
		logger.Debug().Err(err).Msg("peer closed")
	case errors.Is(err, transport.ErrTimeout) && idle:
		logger.Debug().Dur("timeout", s.cfg.ReadTimeout).Msg("idle session")
	case errors.Is(err, protocol.ErrUnknownOpcode), errors.Is(err, protocol.ErrMalformed):
		logger.Warn().Err(err).Msg("rejecting frame")
		if werr := conn.WriteBytes(protocol.NewError(err.Error()).Bytes()); werr != nil {
			logger.Debug().Err(werr).Msg("write error reply")
		}
	default:
		logger.Warn().Err(err).Msg("decode failed")
	}
}

// trackConn reports false when the service is already shutting down.
func (s *Service) trackConn(ctx context.Context, conn *transport.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Service) untrackConn(conn *transport.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
