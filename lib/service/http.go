// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server serves HTTP (optionally TLS) on a TCP listener. The server
// manages listener lifecycle, the connection ceiling, idle-connection
// reaping, and graceful shutdown; the caller provides the http.Handler
// (routing, auth, upload plumbing).
//
// Serve(ctx) blocks until the context is cancelled and active requests
// drain.
type Server struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	tlsConfig      *tls.Config
	maxConnections int
	maxHeaderBytes int

	// idleTimeout bounds the gap between successive reads on a
	// connection. Uploads may take arbitrarily long overall, so this
	// is enforced per read rather than per request.
	idleTimeout time.Duration

	// shutdownTimeout is the maximum time to wait for active
	// requests to complete after the context is cancelled.
	shutdownTimeout time.Duration

	// ready is closed after the listener is bound and the server
	// is accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, available after ready is
	// closed.
	addr net.Addr
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the TCP listen address (e.g., ":3000",
	// "127.0.0.1:9000"). Required.
	Address string

	// Handler is the HTTP handler for incoming requests. Required.
	Handler http.Handler

	// TLS, when non-nil, serves HTTPS with this configuration.
	TLS *tls.Config

	// MaxConnections caps concurrently accepted connections. A
	// connection arriving while every slot is held is closed
	// immediately at accept time. Zero means no cap.
	MaxConnections int

	// MaxHeaderBytes bounds request header size. Zero uses the
	// net/http default.
	MaxHeaderBytes int

	// IdleTimeout is the maximum gap between successive reads on a
	// connection before it is closed. Zero disables the deadline.
	IdleTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight
	// requests to complete during graceful shutdown. Defaults to
	// 10 seconds if zero.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewServer creates a server that will listen on the configured TCP
// address. Call Serve to start accepting connections.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		panic("service.Server: Address is required")
	}
	if config.Handler == nil {
		panic("service.Server: Handler is required")
	}
	if config.Logger == nil {
		panic("service.Server: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger,
		tlsConfig:       config.TLS,
		maxConnections:  config.MaxConnections,
		maxHeaderBytes:  config.MaxHeaderBytes,
		idleTimeout:     config.IdleTimeout,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the server is bound
// and accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed. Useful when the configured address uses port 0 (OS-
// assigned port): the resolved address contains the actual port.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve starts accepting connections. Blocks until ctx is cancelled,
// then performs graceful shutdown: stops accepting new connections
// and waits up to ShutdownTimeout for active requests to complete.
func (s *Server) Serve(ctx context.Context) error {
	// Bind the listener early so we can extract the resolved
	// address and signal readiness before entering the serve loop.
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()

	// Cap concurrency before TLS so excess connections are rejected
	// without paying for a handshake.
	if s.maxConnections > 0 {
		listener = &capListener{
			Listener: listener,
			slots:    make(chan struct{}, s.maxConnections),
			logger:   s.logger,
		}
	}
	if s.idleTimeout > 0 {
		listener = &deadlineListener{Listener: listener, timeout: s.idleTimeout}
	}
	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Headers must arrive promptly; bodies stream for as long as
		// the per-read idle deadline allows.
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    s.maxHeaderBytes,
	}

	scheme := "http"
	if s.tlsConfig != nil {
		scheme = "https"
	}
	s.logger.Info("server listening", "address", s.addr.String(), "scheme", scheme)

	// Serve in a goroutine so we can wait for the context.
	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
	case err := <-serveDone:
		if err != nil {
			return err
		}
		return nil
	}

	// Graceful shutdown: stop accepting new connections, wait for
	// in-flight requests to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// capListener enforces the connection ceiling at accept time. A
// connection arriving while every slot is held is closed on the spot,
// so over-limit clients see a prompt reset instead of queueing in the
// kernel backlog with no answer.
type capListener struct {
	net.Listener
	slots  chan struct{}
	logger *slog.Logger
}

func (l *capListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		select {
		case l.slots <- struct{}{}:
			return &capConn{Conn: conn, slots: l.slots}, nil
		default:
			l.logger.Warn("connection limit reached, rejecting",
				"remote", conn.RemoteAddr().String())
			conn.Close()
		}
	}
}

// capConn returns its slot exactly once, on first Close. net/http can
// close a connection more than once.
type capConn struct {
	net.Conn
	slots   chan struct{}
	release sync.Once
}

func (c *capConn) Close() error {
	err := c.Conn.Close()
	c.release.Do(func() { <-c.slots })
	return err
}

// deadlineListener wraps accepted connections so every read carries a
// rolling deadline. A client that stalls mid-upload longer than the
// timeout gets its connection closed instead of holding a slot open.
type deadlineListener struct {
	net.Listener
	timeout time.Duration
}

func (l *deadlineListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &deadlineConn{Conn: conn, timeout: l.timeout}, nil
}

type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
