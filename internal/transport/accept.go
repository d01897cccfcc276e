package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/imaged/internal/observability"
	"github.com/rs/zerolog/log"
)

// Accept completes the server side of a TLS handshake on raw and returns an
// open Conn. The caller's tls.Config decides whether client certificates are
// required. raw is closed on failure.
func Accept(ctx context.Context, raw net.Conn, tlsCfg *tls.Config, handshakeTimeout time.Duration) (*Conn, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	tc := tls.Server(raw, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		host, portStr, _ := net.SplitHostPort(raw.RemoteAddr().String())
		port, _ := strconv.Atoi(portStr)
		observability.RecordConnect(string(StageTrust))
		return nil, &ConnectError{Stage: StageTrust, Host: host, Port: port, Err: err}
	}
	c := &Conn{
		cfg:   DefaultConfig().WithDefaults(),
		state: StateOpen,
		raw:   raw,
		tc:    tc,
		addr:  raw.RemoteAddr().String(),
	}
	state := tc.ConnectionState()
	ev := log.Debug().Str("remote", c.addr)
	if len(state.PeerCertificates) > 0 {
		ev = ev.Str("peer", state.PeerCertificates[0].Subject.CommonName)
	}
	ev.Msg("transport accepted")
	return c, nil
}
