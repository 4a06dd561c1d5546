// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/httprange"
)

var (
	// ErrNotFound is returned when the referenced blob does not exist.
	ErrNotFound = errors.New("blob: not found")

	// ErrInvalidRange is returned when a requested byte range falls
	// outside the stored blob.
	ErrInvalidRange = errors.New("blob: range outside stored data")
)

// Result describes a completed write.
type Result struct {
	// Bytes is the number of payload bytes this write accepted.
	Bytes int64

	// Checksum is the BLAKE3 digest of the committed blob. Only set
	// when the write made the blob visible (streaming commit, or the
	// chunk that completed a staged upload).
	Checksum []byte

	// Promoted reports whether this write completed a staged upload
	// and made the blob visible.
	Promoted bool
}

// WriteSession accepts payload bytes for a single write. The caller
// streams data in via Write, then either Commits or Aborts. Nothing
// becomes visible until Commit returns; an aborted or abandoned
// session leaves no trace beyond temp files the janitor sweeps.
type WriteSession interface {
	io.Writer

	// Commit finalizes the write. For streaming sessions the blob
	// becomes visible atomically. For chunk sessions the bytes are
	// staged, and the blob is promoted when the final chunk lands.
	Commit(ctx context.Context) (Result, error)

	// Abort discards the session. Safe to call after Commit (no-op),
	// so it can sit in a defer.
	Abort()
}

// Store is a blob sink and source. Implementations: the filesystem
// store in this package and the S3 store in lib/blob/s3store.
type Store interface {
	// Create starts a whole-blob streaming write. Committing replaces
	// any existing blob with the same ID.
	Create(ctx context.Context, id fileid.ID) (WriteSession, error)

	// CreateChunk starts a staged write covering the given span. The
	// session's Write must supply exactly span.Len() bytes. The blob
	// is promoted when the chunk carrying the final byte of the
	// declared total commits.
	CreateChunk(ctx context.Context, id fileid.ID, span httprange.ContentRange) (WriteSession, error)

	// ReadRange returns a reader over the given span of a committed
	// blob. ErrNotFound for unknown or still-staged blobs,
	// ErrInvalidRange when the span extends past the end.
	ReadRange(ctx context.Context, id fileid.ID, span httprange.Range) (io.ReadCloser, error)

	// Size returns the current byte size: the committed size, or for
	// a still-staged upload the bytes staged so far.
	Size(ctx context.Context, id fileid.ID) (uint64, error)

	// Remove deletes a blob, committed or staged. ErrNotFound if
	// neither exists.
	Remove(ctx context.Context, id fileid.ID) error

	// PurgeAll deletes every blob, staged upload, and temp file.
	// Returns the number of committed blobs removed.
	PurgeAll(ctx context.Context) (int64, error)

	// PurgeStale removes staged uploads and temp files last touched
	// before cutoff. Committed blobs are never touched. Returns the
	// number of entries removed.
	PurgeStale(ctx context.Context, cutoff time.Time) (int, error)

	// Count returns the number of committed blobs.
	Count(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}
