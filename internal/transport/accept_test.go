package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/imaged/internal/deadline"
	"github.com/danmuck/imaged/internal/testutil/testlog"
	"github.com/danmuck/imaged/internal/testutil/tlstest"
)

func TestAcceptWrapsServerSide(t *testing.T) {
	testlog.Start(t)
	fx := tlstest.NewFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		c, err := Accept(context.Background(), raw, fx.ServerTLSConfig(t), time.Second)
		if err != nil {
			t.Errorf("accept: %v", err)
			close(accepted)
			return
		}
		accepted <- c
	}()

	client := connect(t, clientConfig(t, fx), ln.Addr().(*net.TCPAddr).Port)
	server, ok := <-accepted
	if !ok {
		t.Fatalf("server side failed")
	}
	defer server.Close()

	if peers := server.PeerCertificates(); len(peers) == 0 || peers[0].Subject.CommonName != "imaged-client" {
		t.Fatalf("server did not see client identity: %v", peers)
	}
	if err := client.WriteBytes([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	got, err := server.ReadBytes(4, deadline.New(time.Second))
	if err != nil || !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("server read: got=%q err=%v", got, err)
	}
}

func TestAcceptRejectsNonTLSPeer(t *testing.T) {
	testlog.Start(t)
	fx := tlstest.NewFixture(t)
	a, b := net.Pipe()
	defer b.Close()

	go func() {
		// Not a TLS client: the handshake must fail rather than hang.
		_, _ = b.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	}()
	_, err := Accept(context.Background(), &pipeAddrConn{Conn: a}, fx.ServerTLSConfig(t), 500*time.Millisecond)
	if !errors.Is(err, ErrTrust) {
		t.Fatalf("expected ErrTrust, got %v", err)
	}
}

// pipeAddrConn gives net.Pipe a parseable remote address.
type pipeAddrConn struct {
	net.Conn
}

func (p *pipeAddrConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}
