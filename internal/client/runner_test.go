package client_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/imaged/internal/client"
	"github.com/danmuck/imaged/internal/echo"
	"github.com/danmuck/imaged/internal/testutil/testlog"
	"github.com/danmuck/imaged/internal/testutil/tlstest"
	"github.com/danmuck/imaged/internal/transport"
)

func startEcho(t *testing.T, fx *tlstest.Fixture) (*echo.Service, int) {
	t.Helper()
	cfg := echo.DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.CAFiles = []string{fx.Authority.CAFile()}
	cfg.CertFile = fx.ServerCert
	cfg.KeyFile = fx.ServerKey
	svc, err := echo.NewService(cfg)
	if err != nil {
		t.Fatalf("new echo service: %v", err)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, ln.Addr().(*net.TCPAddr).Port
}

func runnerConfig(fx *tlstest.Fixture, port int) client.Config {
	cfg := client.DefaultConfig()
	cfg.Host = "localhost"
	cfg.Port = port
	cfg.CAFiles = []string{fx.Authority.CAFile()}
	cfg.CertFile = fx.ClientCert
	cfg.KeyFile = fx.ClientKey
	return cfg
}

func waitActive(t *testing.T, svc *echo.Service, want int) {
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

func TestRunFiveSequentialConnections(t *testing.T) {
	testlog.Start(t)
	fx := tlstest.NewFixture(t)
	svc, port := startEcho(t, fx)

	r, err := client.NewRunner(runnerConfig(fx, port))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Index != i || res.Sent != 250016 || res.Attempts != 1 {
			t.Fatalf("unexpected result %d: %+v", i, res)
		}
	}

	// sessions are held open until Close
	if r.Active() != 5 {
		t.Fatalf("expected 5 open sessions, got %d", r.Active())
	}
	waitActive(t, svc, 5)

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r.Active() != 0 {
		t.Fatalf("expected no open sessions after close, got %d", r.Active())
	}
	waitActive(t, svc, 0)
}

func TestRunParallelConnections(t *testing.T) {
	testlog.Start(t)
	fx := tlstest.NewFixture(t)
	svc, port := startEcho(t, fx)

	cfg := runnerConfig(fx, port)
	cfg.Parallel = true
	cfg.Connections = 8
	cfg.PayloadRepeat = 1000
	r, err := client.NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Close()

	results, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, res := range results {
		if res.Index != i {
			t.Fatalf("result %d has index %d", i, res.Index)
		}
	}
	waitActive(t, svc, 8)
}

func TestRunRetriesThenFailsOnRefusedPort(t *testing.T) {
	testlog.Start(t)
	fx := tlstest.NewFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	cfg := runnerConfig(fx, port)
	cfg.Host = "127.0.0.1"
	cfg.Connections = 1
	cfg.MaxAttempts = 3
	cfg.Backoff = client.BackoffConfig{InitialDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	r, err := client.NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	start := time.Now()
	_, err = r.Run(context.Background())
	if !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	// two waits: 50ms then 100ms
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("expected backoff between attempts, took %v", elapsed)
	}
}

func TestRunDoesNotRetryTrustFailure(t *testing.T) {
	testlog.Start(t)
	fx := tlstest.NewFixture(t)
	_, port := startEcho(t, fx)

	other := tlstest.NewAuthority(t, t.TempDir(), "other-ca")
	cfg := runnerConfig(fx, port)
	cfg.CAFiles = []string{other.CAFile()}
	cfg.Connections = 1
	cfg.MaxAttempts = 5
	cfg.Backoff = client.BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Second}
	r, err := client.NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	start := time.Now()
	_, err = r.Run(context.Background())
	if !errors.Is(err, transport.ErrTrust) {
		t.Fatalf("expected ErrTrust, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("trust failure should not be retried, took %v", elapsed)
	}
}

func TestRunCanceledDuringBackoff(t *testing.T) {
	testlog.Start(t)
	fx := tlstest.NewFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	cfg := runnerConfig(fx, port)
	cfg.Host = "127.0.0.1"
	cfg.Connections = 1
	cfg.MaxAttempts = 10
	cfg.Backoff = client.BackoffConfig{InitialDelay: 5 * time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	r, err := client.NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := r.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := client.DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, client.ErrHostRequired) {
		t.Fatalf("expected ErrHostRequired, got %v", err)
	}
	cfg.Host = "example.test"
	cfg.Port = 70000
	if err := cfg.Validate(); !errors.Is(err, client.ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
	cfg.Port = 443
	cfg.Connections = 0
	if err := cfg.Validate(); !errors.Is(err, client.ErrConnectionsNeeded) {
		t.Fatalf("expected ErrConnectionsNeeded, got %v", err)
	}
}

func TestNewRunnerRequiresTrustMaterial(t *testing.T) {
	cfg := client.DefaultConfig()
	cfg.Host = "localhost"
	if _, err := client.NewRunner(cfg); err == nil {
		t.Fatal("expected missing certificate files to fail")
	}
}

func TestPayloadMatchesScenario(t *testing.T) {
	cfg := client.DefaultConfig()
	if got := len(cfg.Payload()); got != 250000 {
		t.Fatalf("expected 250000 byte payload, got %d", got)
	}
}
