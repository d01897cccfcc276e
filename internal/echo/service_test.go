package echo

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/imaged/internal/deadline"
	"github.com/danmuck/imaged/internal/protocol"
	"github.com/danmuck/imaged/internal/testutil/testlog"
	"github.com/danmuck/imaged/internal/testutil/tlstest"
	"github.com/danmuck/imaged/internal/transport"
)

type harness struct {
	fx     *tlstest.Fixture
	svc    *Service
	port   int
	cancel context.CancelFunc
	done   chan error
}

func startService(t *testing.T, mutate func(*ServiceConfig)) *harness {
	t.Helper()
	fx := tlstest.NewFixture(t)
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.CAFiles = []string{fx.Authority.CAFile()}
	cfg.CertFile = fx.ServerCert
	cfg.KeyFile = fx.ServerKey
	cfg.ReadTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		fx:     fx,
		svc:    svc,
		port:   ln.Addr().(*net.TCPAddr).Port,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	return h
}

func (h *harness) dial(t *testing.T) *transport.Conn {
	t.Helper()
	cfg, err := transport.LoadConfig([]string{h.fx.Authority.CAFile()}, h.fx.ClientCert, h.fx.ClientKey)
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	conn := transport.New(cfg)
	if err := conn.Connect(context.Background(), "127.0.0.1", h.port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *transport.Conn, msg protocol.Message) protocol.Message {
	t.Helper()
	if err := conn.WriteBytes(msg.Bytes()); err != nil {
		t.Fatalf("write %s: %v", msg.Opcode(), err)
	}
	reply, err := protocol.FromConn(conn, deadline.New(2*time.Second))
	if err != nil {
		t.Fatalf("read reply to %s: %v", msg.Opcode(), err)
	}
	return reply
}

func waitSessions(t *testing.T, svc *Service, want int) {
	t.Helper()
	end := time.Now().Add(2 * time.Second)
	for time.Now().Before(end) {
		if svc.ActiveSessions() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d active sessions, got %d", want, svc.ActiveSessions())
}

func TestWriteIsEchoed(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)
	conn := h.dial(t)

	want, err := protocol.NewWrite([]byte("hello"), bytes.Repeat([]byte("world"), 50000))
	if err != nil {
		t.Fatalf("new write: %v", err)
	}
	got := roundTrip(t, conn, want)
	if !got.Equal(want) {
		t.Fatalf("echo mismatch: got %s want %s", got, want)
	}

	// the session stays usable for further frames
	bundle, err := protocol.NewMessage(protocol.OpBundle, []byte("b"), []byte("payload"))
	if err != nil {
		t.Fatalf("new bundle: %v", err)
	}
	if got := roundTrip(t, conn, bundle); !got.Equal(bundle) {
		t.Fatalf("bundle echo mismatch: %s", got)
	}
}

func TestHeartbeatIsAcknowledged(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)
	conn := h.dial(t)

	got := roundTrip(t, conn, protocol.NewHeartbeat())
	if got.Opcode() != protocol.OpAck {
		t.Fatalf("expected ACK, got %s", got)
	}
}

func TestSignIsUnsupported(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)
	conn := h.dial(t)

	sign, err := protocol.NewMessage(protocol.OpSign, nil, nil)
	if err != nil {
		t.Fatalf("new sign: %v", err)
	}
	got := roundTrip(t, conn, sign)
	if got.Opcode() != protocol.OpError {
		t.Fatalf("expected ERROR, got %s", got)
	}
	if !bytes.Contains(got.Label(), []byte("unsupported")) {
		t.Fatalf("unexpected reason %q", got.Label())
	}
	if got := roundTrip(t, conn, protocol.NewHeartbeat()); got.Opcode() != protocol.OpAck {
		t.Fatalf("expected session to survive SIGN, got %s", got)
	}
}

func TestUnknownOpcodeGetsErrorThenClose(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)
	conn := h.dial(t)

	if err := conn.WriteBytes([]byte{0xEE, 0x00, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := protocol.FromConn(conn, deadline.New(2*time.Second))
	if err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if reply.Opcode() != protocol.OpError {
		t.Fatalf("expected ERROR, got %s", reply)
	}
	if !bytes.Contains(reply.Label(), []byte("0xee")) {
		t.Fatalf("expected tag in reason, got %q", reply.Label())
	}

	_, err = conn.ReadBytes(1, deadline.New(2*time.Second))
	if !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("expected connection closed after error, got %v", err)
	}
}

func TestOversizedFileIsRejected(t *testing.T) {
	testlog.Start(t)
	h := startService(t, func(cfg *ServiceConfig) {
		cfg.Limits = protocol.Limits{MaxFileBytes: 16, ChunkSize: 8}
	})
	conn := h.dial(t)

	big, err := protocol.NewWrite([]byte("x"), make([]byte, 64))
	if err != nil {
		t.Fatalf("new write: %v", err)
	}
	reply := roundTrip(t, conn, big)
	if reply.Opcode() != protocol.OpError {
		t.Fatalf("expected ERROR, got %s", reply)
	}
}

func TestLabelWithNULIsRejected(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)
	conn := h.dial(t)

	bad, err := protocol.NewWrite([]byte("na\x00me"), []byte("body"))
	if err != nil {
		t.Fatalf("new write: %v", err)
	}
	reply := roundTrip(t, conn, bad)
	if reply.Opcode() != protocol.OpError {
		t.Fatalf("expected ERROR, got %s", reply)
	}
	if _, err := conn.ReadBytes(1, deadline.New(2*time.Second)); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("expected close after ERROR, got %v", err)
	}
}

func TestOptionalFieldsAreAccepted(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)
	conn := h.dial(t)

	unnamed, err := protocol.NewWrite(nil, []byte("payload"))
	if err != nil {
		t.Fatalf("new write: %v", err)
	}
	if got := roundTrip(t, conn, unnamed); !got.Equal(unnamed) {
		t.Fatalf("empty label echo mismatch: %s", got)
	}

	beat, err := protocol.NewMessage(protocol.OpHeartbeat, []byte("x"), nil)
	if err != nil {
		t.Fatalf("new heartbeat: %v", err)
	}
	if got := roundTrip(t, conn, beat); got.Opcode() != protocol.OpAck {
		t.Fatalf("expected ACK for labelled heartbeat, got %s", got)
	}
}

func TestIdleSessionIsClosed(t *testing.T) {
	testlog.Start(t)
	h := startService(t, func(cfg *ServiceConfig) {
		cfg.ReadTimeout = 400 * time.Millisecond
	})
	conn := h.dial(t)
	waitSessions(t, h.svc, 1)

	_, err := conn.ReadBytes(1, deadline.New(2*time.Second))
	if !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("expected idle close, got %v", err)
	}
	waitSessions(t, h.svc, 0)
}

func TestShutdownClosesSessions(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)
	conns := []*transport.Conn{h.dial(t), h.dial(t), h.dial(t)}
	waitSessions(t, h.svc, len(conns))

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop")
	}

	for i, conn := range conns {
		if _, err := conn.ReadBytes(1, deadline.New(2*time.Second)); !errors.Is(err, transport.ErrConnectionClosed) {
			t.Fatalf("conn %d: expected closed, got %v", i, err)
		}
	}
	waitSessions(t, h.svc, 0)
}

func TestUntrustedClientIsRejected(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)

	dir := t.TempDir()
	rogue := tlstest.NewAuthority(t, dir, "rogue-ca")
	certFile, keyFile := rogue.IssueClientCert(t, dir, "rogue-client")
	cfg, err := transport.LoadConfig([]string{h.fx.Authority.CAFile()}, certFile, keyFile)
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	conn := transport.New(cfg)
	defer conn.Close()

	// With TLS 1.3 the server's verdict on the client certificate arrives
	// after the client considers the handshake done.
	if err := conn.Connect(context.Background(), "127.0.0.1", h.port); err != nil {
		return
	}
	if _, err := conn.ReadBytes(1, deadline.New(2*time.Second)); err == nil {
		t.Fatal("expected rejected client to fail")
	}
	if h.svc.ActiveSessions() != 0 {
		t.Fatalf("expected no sessions, got %d", h.svc.ActiveSessions())
	}
}

func TestServiceConfigValidate(t *testing.T) {
	cfg := DefaultServiceConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrServerCertRequired) {
		t.Fatalf("expected ErrServerCertRequired, got %v", err)
	}
	cfg.CertFile, cfg.KeyFile = "c.pem", "k.pem"
	if err := cfg.Validate(); !errors.Is(err, ErrClientCAsRequired) {
		t.Fatalf("expected ErrClientCAsRequired, got %v", err)
	}
	cfg.ListenAddr = " "
	if err := cfg.Validate(); !errors.Is(err, ErrListenAddrRequired) {
		t.Fatalf("expected ErrListenAddrRequired, got %v", err)
	}
}
