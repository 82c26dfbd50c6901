// Package gateway implements the connection-facing half of the system:
// a TCP listener that suspends each accepted connection on the
// scaler's EnsureUp before dialing the backend and relaying bytes in
// both directions, per spec.md §4.5.
//
// It is grounded on the teacher's internal/varnishadm.Server for its
// net.Listen/Accept-loop/per-connection-goroutine shape, generalized
// from a single-purpose admin protocol handler to an opaque
// byte-for-byte TCP relay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/FriesPascal/sero-go/internal/errs"
	"github.com/FriesPascal/sero-go/internal/metrics"
)

// EnsureUpper is the subset of *scaler.Scaler the gateway depends on.
// Declared here, implemented there, so gateway never imports scaler.
type EnsureUpper interface {
	EnsureUp(ctx context.Context) error
}

// Config bundles the tunables from SPEC_FULL.md §4.8.
type Config struct {
	ListenHost    string
	ListenPort    uint16
	BackendHost   string
	BackendPort   uint16
	ShutdownGrace time.Duration
}

// Gateway is the TCP listener and per-connection proxy.
type Gateway struct {
	cfg     Config
	scaler  EnsureUpper
	metrics *metrics.Registry
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New constructs a Gateway. scaler must be non-nil.
func New(cfg Config, scaler EnsureUpper, reg *metrics.Registry, logger *slog.Logger) *Gateway {
	return &Gateway{cfg: cfg, scaler: scaler, metrics: reg, logger: logger}
}

// Run listens and serves until ctx is cancelled, then stops accepting
// new connections and waits up to ShutdownGrace for in-flight ones to
// finish before returning, per spec.md §5's "listener closes first"
// shutdown ordering.
func (g *Gateway) Run(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.ListenHost, fmt.Sprintf("%d", g.cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.NewBootstrapError("gateway.Listen", err)
	}
	g.logger.Info("gateway: listening", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- g.acceptLoop(ctx, ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-acceptErr:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(g.cfg.ShutdownGrace):
		g.logger.Warn("gateway: shutdown grace period elapsed with connections still active")
	}
	return ctx.Err()
}

func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handleConn(ctx, conn)
		}()
	}
}

func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	if err := g.scaler.EnsureUp(ctx); err != nil {
		g.countResult("ensure_up_failed")
		g.logger.Warn("gateway: ensure-up failed, closing connection", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	if g.metrics != nil {
		g.metrics.EnsureUpDuration.Observe(time.Since(start).Seconds())
	}

	backendAddr := net.JoinHostPort(g.cfg.BackendHost, fmt.Sprintf("%d", g.cfg.BackendPort))
	backend, err := (&net.Dialer{}).DialContext(ctx, "tcp", backendAddr)
	if err != nil {
		g.countResult("dial_failed")
		g.logger.Warn("gateway: backend dial failed", "addr", backendAddr, "error", errs.NewDataPlaneError("dial", err))
		return
	}
	defer backend.Close()

	g.countResult("proxied")
	if g.metrics != nil {
		g.metrics.ConnectionsActive.Inc()
		defer g.metrics.ConnectionsActive.Dec()
	}

	g.relay(conn, backend)
}

// relay copies bytes in both directions until both directions have
// ended: when one direction reaches EOF, its destination's write side
// is closed to signal EOF downstream without tearing down the other
// direction early.
func (g *Gateway) relay(client, backend net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(backend, client)
		g.countBytes("client_to_backend", n)
		if tc, ok := backend.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, backend)
		g.countBytes("backend_to_client", n)
		if tc, ok := client.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	wg.Wait()
}

func (g *Gateway) countResult(result string) {
	if g.metrics != nil {
		g.metrics.ConnectionsTotal.WithLabelValues(result).Inc()
	}
}

func (g *Gateway) countBytes(direction string, n int64) {
	if g.metrics != nil && n > 0 {
		g.metrics.BytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}
