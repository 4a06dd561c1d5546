// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// defaultConnections is the pool size when Config leaves it zero. The
// node index is a small, write-light table; a handful of connections
// covers concurrent list/get readers while SQLite serializes the
// writes anyway.
const defaultConnections = 4

// connPragmas runs once per connection before it enters the pool. WAL
// keeps readers unblocked during node writes; the busy timeout covers
// the brief writer handoff between concurrent requests.
const connPragmas = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;
`

// Config holds the parameters for opening a pool. Only Path is
// required.
type Config struct {
	// Path is the database file, created on first open. The parent
	// directory must already exist.
	Path string

	// Connections is the pool size. Zero means defaultConnections.
	Connections int

	// Logger receives open/close messages. Nil means silent.
	Logger *slog.Logger

	// OnConnect runs once per connection after the pragmas, for schema
	// creation. An error discards the connection and surfaces from
	// Take.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool hands out SQLite connections with the uploader's pragmas
// applied. The pool is safe for concurrent use; a borrowed connection
// belongs to one goroutine until Put.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. Connections are prepared lazily on first
// Take. The caller owns the pool and must Close it.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	size := cfg.Connections
	if size <= 0 {
		size = defaultConnections
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			if err := sqlitex.ExecuteScript(conn, connPragmas, nil); err != nil {
				return fmt.Errorf("sqlitepool: applying pragmas: %w", err)
			}
			if cfg.OnConnect == nil {
				return nil
			}
			if err := cfg.OnConnect(conn); err != nil {
				return fmt.Errorf("sqlitepool: OnConnect: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened", "path", cfg.Path, "connections", size)
	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection, blocking until one frees or ctx is
// cancelled. Pair every Take with a deferred Put.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a borrowed connection. Nil is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close waits for borrowed connections to come back, then closes them
// all. Take fails afterward.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}
