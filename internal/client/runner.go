// Package client drives netmsg echo round trips against a remote peer. It
// owns the retry policy; transport.Conn never retries on its own.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/imaged/internal/deadline"
	"github.com/danmuck/imaged/internal/observability"
	"github.com/danmuck/imaged/internal/protocol"
	"github.com/danmuck/imaged/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrHostRequired      = errors.New("client: host required")
	ErrInvalidPort       = errors.New("client: invalid port")
	ErrEchoMismatch      = errors.New("client: echo mismatch")
	ErrConnectionsNeeded = errors.New("client: at least one connection required")
)

// Config describes one run of the echo scenario.
type Config struct {
	Host        string
	Port        int
	CAFiles     []string
	CertFile    string
	KeyFile     string
	Connections int
	// Parallel drives each connection on its own goroutine.
	Parallel bool

	Label         string
	PayloadUnit   string
	PayloadRepeat int

	ReadTimeout      time.Duration
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// MaxAttempts bounds connect attempts per connection; zero means one.
	MaxAttempts int
	Backoff     BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Port:             443,
		Connections:      5,
		Label:            "hello",
		PayloadUnit:      "world",
		PayloadRepeat:    50000,
		ReadTimeout:      time.Second,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MaxAttempts:      1,
		Backoff:          DefaultBackoff(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrHostRequired
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.Connections <= 0 {
		return ErrConnectionsNeeded
	}
	return nil
}

// Payload is the file body sent on every connection.
func (c Config) Payload() []byte {
	return bytes.Repeat([]byte(c.PayloadUnit), c.PayloadRepeat)
}

// Result is the outcome of one connection's round trip.
type Result struct {
	Index    int
	Addr     string
	Attempts int
	Sent     int
	Elapsed  time.Duration
}

// Runner opens Connections independent sessions, sends one WRITE on each and
// waits for the echoed reply. Sessions stay open until Close.
type Runner struct {
	cfg       Config
	transport transport.Config

	mu     sync.Mutex
	active []*transport.Conn
}

func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tcfg, err := transport.LoadConfig(cfg.CAFiles, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return NewRunnerWithTransport(cfg, tcfg)
}

// NewRunnerWithTransport uses already-loaded trust and identity material.
func NewRunnerWithTransport(cfg Config, tcfg transport.Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout > 0 {
		tcfg.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.HandshakeTimeout > 0 {
		tcfg.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.WriteTimeout > 0 {
		tcfg.WriteTimeout = cfg.WriteTimeout
	}
	return &Runner{cfg: cfg, transport: tcfg}, nil
}

// Run performs the scenario. Sessions that completed are kept open even when
// a later one fails; Close releases them.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	want, err := protocol.NewWrite([]byte(r.cfg.Label), r.cfg.Payload())
	if err != nil {
		return nil, err
	}
	frame := want.Bytes()

	results := make([]Result, r.cfg.Connections)
	if !r.cfg.Parallel {
		for i := range results {
			res, err := r.roundTrip(ctx, i, want, frame)
			if err != nil {
				return results[:i], err
			}
			results[i] = res
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		i := i
		g.Go(func() error {
			res, err := r.roundTrip(gctx, i, want, frame)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) roundTrip(ctx context.Context, index int, want protocol.Message, frame []byte) (Result, error) {
	start := time.Now()
	conn, attempts, err := r.connect(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("client: connection %d: %w", index, err)
	}
	r.track(conn)

	if err := conn.WriteBytes(frame); err != nil {
		return Result{}, fmt.Errorf("client: connection %d write: %w", index, err)
	}
	observability.RecordMessage("sent", want.Opcode().String())

	got, err := protocol.FromConn(conn, deadline.New(r.cfg.ReadTimeout))
	if err != nil {
		return Result{}, fmt.Errorf("client: connection %d read: %w", index, err)
	}
	if !got.Equal(want) {
		return Result{}, fmt.Errorf("%w: connection %d got %s want %s", ErrEchoMismatch, index, got, want)
	}

	res := Result{
		Index:    index,
		Addr:     conn.Addr(),
		Attempts: attempts,
		Sent:     len(frame),
		Elapsed:  time.Since(start),
	}
	log.Info().
		Int("conn", index).
		Str("addr", res.Addr).
		Int("attempts", attempts).
		Int("bytes", res.Sent).
		Dur("elapsed", res.Elapsed).
		Msg("echo verified")
	return res, nil
}

// connect dials a fresh Conn per attempt; a failed Conn is terminal.
func (r *Runner) connect(ctx context.Context) (*transport.Conn, int, error) {
	maxAttempts := r.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn := transport.New(r.transport)
		err := conn.Connect(ctx, r.cfg.Host, r.cfg.Port)
		if err == nil {
			return conn, attempt, nil
		}
		lastErr = err
		if errors.Is(err, transport.ErrTrust) || attempt == maxAttempts {
			return nil, attempt, err
		}
		delay := r.cfg.Backoff.Delay(attempt, rng)
		log.Warn().Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("connect failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, maxAttempts, lastErr
}

func (r *Runner) track(conn *transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append(r.active, conn)
}

// Active reports how many sessions are currently held open.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close closes every session opened by Run.
func (r *Runner) Close() error {
	r.mu.Lock()
	conns := r.active
	r.active = nil
	r.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
