// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the connection pool behind the node index.
//
// It is a thin wrapper over zombiezen's sqlitex.Pool: a few
// connections with WAL and a busy timeout applied, sized for the
// uploader's one small table rather than made tunable. Callers
// [Pool.Take] a connection, run their SQL with sqlitex, and [Pool.Put]
// it back; a connection belongs to one goroutine at a time.
//
// synchronous=NORMAL means node writes survive a process crash but
// not a power cut. That trade is fine here: the blobs on disk are the
// source of truth, and clients re-push node metadata on reconnect.
package sqlitepool
