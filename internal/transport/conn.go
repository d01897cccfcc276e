package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/imaged/internal/deadline"
	"github.com/danmuck/imaged/internal/observability"
	"github.com/rs/zerolog/log"
)

const readChunk = 32 * 1024

// State is the lifecycle position of a Conn.
type State int

const (
	StateUnconnected State = iota
	StateHandshaking
	StateOpen
	StateClosed
	// StateFailed is terminal; a Conn that failed to connect is never reused.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Conn is one mutually-authenticated TLS session. One goroutine drives reads
// and writes; Close may be called from any goroutine.
//
// Bytes read off the wire are never dropped: when ReadBytes times out, what it
// already received stays buffered and is returned by the next read.
type Conn struct {
	cfg Config

	mu    sync.Mutex
	state State
	raw   net.Conn
	tc    *tls.Conn
	addr  string

	pending bytes.Buffer
	scratch []byte
}

func New(cfg Config) *Conn {
	return &Conn{cfg: cfg.WithDefaults(), state: StateUnconnected}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr is the host:port the Conn connected to, empty before Connect.
func (c *Conn) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Conn) PeerCertificates() []*x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tc == nil || c.state != StateOpen {
		return nil
	}
	return c.tc.ConnectionState().PeerCertificates
}

// Connect resolves host, dials port and performs the mutual TLS handshake,
// verifying the peer chain against the trust anchors and its name against
// host. On failure the Conn moves to StateFailed.
func (c *Conn) Connect(ctx context.Context, host string, port int) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateUnconnected {
		st := c.state
		c.mu.Unlock()
		return &StateError{Op: "connect", State: st}
	}
	c.state = StateHandshaking
	c.addr = net.JoinHostPort(host, strconv.Itoa(port))
	c.mu.Unlock()

	tc, err := c.connect(ctx, host, port)
	if err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			observability.RecordConnect(string(ce.Stage))
			log.Warn().Str("host", host).Int("port", port).Str("stage", string(ce.Stage)).Err(ce.Err).Msg("transport connect failed")
		}
		c.mu.Lock()
		if c.state == StateHandshaking {
			c.state = StateFailed
		}
		c.raw = nil
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHandshaking {
		// Closed while the handshake was in flight.
		_ = tc.Close()
		return &StateError{Op: "connect", State: c.state}
	}
	c.tc = tc
	c.state = StateOpen
	observability.RecordConnect("ok")
	state := tc.ConnectionState()
	ev := log.Debug().Str("addr", c.addr).Uint16("tls_version", state.Version)
	if len(state.PeerCertificates) > 0 {
		ev = ev.Str("peer", state.PeerCertificates[0].Subject.CommonName)
	}
	ev.Msg("transport connected")
	return nil
}

func (c *Conn) connect(ctx context.Context, host string, port int) (*tls.Conn, error) {
	fail := func(stage Stage, err error) error {
		return &ConnectError{Stage: stage, Host: host, Port: port, Err: err}
	}
	if port <= 0 || port > 65535 {
		return nil, fail(StageTransport, fmt.Errorf("invalid port %d", port))
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	addrs, err := c.cfg.Resolver.LookupIPAddr(lookupCtx, host)
	cancel()
	if err != nil {
		return nil, fail(StageResolution, err)
	}
	if len(addrs) == 0 {
		return nil, fail(StageResolution, fmt.Errorf("no addresses for %q", host))
	}

	raw, err := c.dial(ctx, addrs, port)
	if err != nil {
		return nil, fail(StageTransport, err)
	}

	c.mu.Lock()
	if c.state != StateHandshaking {
		st := c.state
		c.mu.Unlock()
		_ = raw.Close()
		return nil, &StateError{Op: "connect", State: st}
	}
	c.raw = raw
	c.mu.Unlock()

	tc := tls.Client(raw, c.cfg.clientTLSConfig(host))
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, fail(StageTrust, err)
	}
	return tc, nil
}

func (c *Conn) dial(ctx context.Context, addrs []net.IPAddr, port int) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	var errs []error
	for _, a := range addrs {
		target := net.JoinHostPort(a.String(), strconv.Itoa(port))
		raw, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			return raw, nil
		}
		log.Debug().Str("target", target).Err(err).Msg("transport dial attempt failed")
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (c *Conn) openConn(op string) (*tls.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil, &StateError{Op: op, State: c.state}
	}
	return c.tc, nil
}

// WriteBytes writes all of buf or returns an error; it never short-writes
// silently.
func (c *Conn) WriteBytes(buf []byte) error {
	tc, err := c.openConn("write")
	if err != nil {
		return err
	}
	if c.cfg.WriteTimeout > 0 {
		if err := tc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return c.classify(err)
		}
	}
	total := len(buf)
	for len(buf) > 0 {
		n, err := tc.Write(buf)
		buf = buf[n:]
		if err != nil {
			observability.RecordBytesSent(total - len(buf))
			return c.classify(err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %w", ErrTransport, io.ErrShortWrite)
		}
	}
	observability.RecordBytesSent(total)
	return nil
}

// ReadBytes blocks until exactly n bytes are available or t expires. On
// timeout the Conn stays open and partial data stays buffered.
func (c *Conn) ReadBytes(n int, t *deadline.Timeout) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("transport: negative read length %d", n)
	}
	if t == nil {
		return nil, errors.New("transport: read requires a timeout")
	}
	tc, err := c.openConn("read")
	if err != nil {
		return nil, err
	}
	if c.scratch == nil {
		c.scratch = make([]byte, readChunk)
	}

	for c.pending.Len() < n {
		if t.Expired() {
			return nil, c.timedOut(n)
		}
		if err := tc.SetReadDeadline(t.Deadline()); err != nil {
			return nil, c.classify(err)
		}
		m, err := tc.Read(c.scratch)
		if m > 0 {
			c.pending.Write(c.scratch[:m])
			observability.RecordBytesReceived(m)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if c.pending.Len() >= n {
					break
				}
				return nil, c.timedOut(n)
			}
			return nil, c.classify(err)
		}
	}

	out := make([]byte, n)
	copy(out, c.pending.Next(n))
	return out, nil
}

// Buffered reports how many bytes have been received but not yet consumed.
func (c *Conn) Buffered() int {
	return c.pending.Len()
}

// Unread puts b back in front of the buffered input so the next ReadBytes
// returns it first. A decoder uses it to rewind a frame cut short by a
// timeout.
func (c *Conn) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	joined := make([]byte, 0, len(b)+c.pending.Len())
	joined = append(joined, b...)
	joined = append(joined, c.pending.Bytes()...)
	c.pending.Reset()
	c.pending.Write(joined)
}

func (c *Conn) timedOut(n int) error {
	observability.RecordReadTimeout()
	return fmt.Errorf("%w: have %d of %d bytes", ErrTimeout, c.pending.Len(), n)
}

func (c *Conn) classify(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if c.State() == StateClosed {
		return &StateError{Op: "io", State: StateClosed}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// reset / broken pipe: the peer is gone.
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// Close sends TLS close-notify when open and releases the socket. Closing an
// already-closed Conn is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		c.state = StateClosed
		// The socket is released even when close-notify cannot be sent.
		if err := c.tc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Str("addr", c.addr).Err(err).Msg("transport close-notify failed")
		}
		log.Debug().Str("addr", c.addr).Msg("transport closed")
		return nil
	case StateHandshaking:
		c.state = StateClosed
		if c.raw != nil {
			_ = c.raw.Close()
		}
		return nil
	default:
		c.state = StateClosed
		return nil
	}
}
