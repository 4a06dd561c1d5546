// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/sqlitepool"
)

// schema is applied to every pool connection. IDs are 64-bit values
// bit-cast to SQLite's signed integers; NoParent lands as -1.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY,
	parent_id INTEGER NOT NULL,
	content BLOB NOT NULL,
	dirty INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS nodes_parent ON nodes (parent_id);
`

// Store is the SQLite-backed node index. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if needed) the node database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("node: opening store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Put inserts or replaces a node record.
func (s *Store) Put(ctx context.Context, n Locked) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO nodes (id, parent_id, content, dirty)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET parent_id = excluded.parent_id,
		     content = excluded.content,
		     dirty = excluded.dirty`,
		&sqlitex.ExecOptions{
			Args: []any{int64(n.ID), int64(n.ParentID), n.Content, boolToInt(n.Dirty)},
		})
	if err != nil {
		return fmt.Errorf("node: put %s: %w", n.ID, err)
	}
	return nil
}

// Get returns a single node. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id fileid.ID) (Locked, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Locked{}, err
	}
	defer s.pool.Put(conn)

	var result Locked
	found := false
	err = sqlitex.Execute(conn,
		`SELECT id, parent_id, content, dirty FROM nodes WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result = scanNode(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Locked{}, fmt.Errorf("node: get %s: %w", id, err)
	}
	if !found {
		return Locked{}, ErrNotFound
	}
	return result, nil
}

// List returns every node, ordered by ID for determinism.
func (s *Store) List(ctx context.Context) ([]Locked, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var nodes []Locked
	err = sqlitex.Execute(conn,
		`SELECT id, parent_id, content, dirty FROM nodes ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nodes = append(nodes, scanNode(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("node: list: %w", err)
	}
	return nodes, nil
}

// Delete removes a node and its entire subtree, returning the IDs of
// every deleted node (the caller removes the corresponding blobs).
// Returns ErrNotFound if the root of the deletion does not exist.
func (s *Store) Delete(ctx context.Context, id fileid.ID) (deleted []fileid.ID, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	exists, err := nodeExists(conn, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	// Breadth-first walk of the subtree. Cycles cannot occur: Move
	// rejects them and Put never rewires parents of other nodes.
	frontier := []fileid.ID{id}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		deleted = append(deleted, current)

		err = sqlitex.Execute(conn,
			`SELECT id FROM nodes WHERE parent_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{int64(current)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					frontier = append(frontier, fileid.ID(stmt.ColumnInt64(0)))
					return nil
				},
			})
		if err != nil {
			return nil, fmt.Errorf("node: walking subtree of %s: %w", id, err)
		}
	}

	for _, victim := range deleted {
		err = sqlitex.Execute(conn,
			`DELETE FROM nodes WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{int64(victim)}})
		if err != nil {
			return nil, fmt.Errorf("node: deleting %s: %w", victim, err)
		}
	}

	s.logger.Info("deleted node subtree", "root", id.String(), "count", len(deleted))
	return deleted, nil
}

// Move reparents a node. Returns ErrNotFound if the node (or the new
// parent, when not NoParent) does not exist, and ErrNotAllowed if the
// move would make the node a descendant of itself.
func (s *Store) Move(ctx context.Context, id, newParent fileid.ID) (err error) {
	if id == newParent {
		return ErrNotAllowed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	exists, err := nodeExists(conn, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	if newParent != NoParent {
		exists, err = nodeExists(conn, newParent)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}

		// Walk up from the new parent. Hitting the moved node means
		// the new parent is inside its subtree.
		cursor := newParent
		for cursor != NoParent {
			if cursor == id {
				return ErrNotAllowed
			}
			parent, found, walkErr := parentOf(conn, cursor)
			if walkErr != nil {
				return walkErr
			}
			if !found {
				break
			}
			cursor = parent
		}
	}

	err = sqlitex.Execute(conn,
		`UPDATE nodes SET parent_id = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(newParent), int64(id)}})
	if err != nil {
		return fmt.Errorf("node: moving %s under %s: %w", id, newParent, err)
	}
	return nil
}

// Purge removes every node. Returns the number of nodes removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM nodes`, nil); err != nil {
		return 0, fmt.Errorf("node: purge: %w", err)
	}
	changed := int64(conn.Changes())
	s.logger.Info("purged node index", "count", changed)
	return changed, nil
}

// Count returns the number of stored nodes.
func (s *Store) Count(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM nodes`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("node: count: %w", err)
	}
	return count, nil
}

func scanNode(stmt *sqlite.Stmt) Locked {
	content := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, content)
	return Locked{
		ID:       fileid.ID(stmt.ColumnInt64(0)),
		ParentID: fileid.ID(stmt.ColumnInt64(1)),
		Content:  content,
		Dirty:    stmt.ColumnInt64(3) != 0,
	}
}

func nodeExists(conn *sqlite.Conn, id fileid.ID) (bool, error) {
	exists := false
	err := sqlitex.Execute(conn,
		`SELECT 1 FROM nodes WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(id)},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("node: checking %s: %w", id, err)
	}
	return exists, nil
}

func parentOf(conn *sqlite.Conn, id fileid.ID) (parent fileid.ID, found bool, err error) {
	err = sqlitex.Execute(conn,
		`SELECT parent_id FROM nodes WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parent = fileid.ID(stmt.ColumnInt64(0))
				found = true
				return nil
			},
		})
	if err != nil {
		err = fmt.Errorf("node: parent of %s: %w", id, err)
	}
	return parent, found, err
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
