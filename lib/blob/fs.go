// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/blobvault/uploader/lib/clock"
	"github.com/blobvault/uploader/lib/codec"
	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/httprange"
)

// Directory layout under the store root. A blob is visible once it has
// a file under objects/; everything else is transient state.
const (
	objectsDir = "objects"
	stagingDir = "staging"
	tmpDir     = "tmp"
	metaDir    = "meta"
)

// Metadata is the CBOR sidecar written next to every committed blob.
type Metadata struct {
	Size     uint64 `cbor:"size"`
	Checksum []byte `cbor:"checksum"`
	StoredAt int64  `cbor:"stored_at"`
}

// FS is a filesystem-backed Store. Commits are atomic: data is
// written to a temp or staging file and renamed into objects/ only
// when complete, so readers never observe partial blobs.
type FS struct {
	root   string
	clock  clock.Clock
	logger *slog.Logger
}

var _ Store = (*FS)(nil)

// OpenFS opens (creating if needed) a filesystem store rooted at root.
func OpenFS(root string, logger *slog.Logger) (*FS, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	for _, dir := range []string{objectsDir, stagingDir, tmpDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("blob: creating %s: %w", dir, err)
		}
	}
	return &FS{root: root, clock: clock.Real(), logger: logger}, nil
}

// WithClock replaces the store's clock. Test hook for the stored-at
// timestamps and stale sweeps.
func (s *FS) WithClock(c clock.Clock) *FS {
	s.clock = c
	return s
}

func (s *FS) objectPath(id fileid.ID) string { return filepath.Join(s.root, objectsDir, id.String()) }
func (s *FS) stagingPath(id fileid.ID) string {
	return filepath.Join(s.root, stagingDir, id.String())
}
func (s *FS) metaPath(id fileid.ID) string { return filepath.Join(s.root, metaDir, id.String()) }

// Create starts a whole-blob streaming write into a temp file. Commit
// renames it into objects/ and writes the metadata sidecar.
func (s *FS) Create(ctx context.Context, id fileid.ID) (WriteSession, error) {
	tempPath := filepath.Join(s.root, tmpDir, uuid.NewString())
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blob: creating temp file: %w", err)
	}
	return &fsStreamSession{
		store:    s,
		id:       id,
		file:     file,
		tempPath: tempPath,
		hasher:   blake3.New(),
	}, nil
}

type fsStreamSession struct {
	store    *FS
	id       fileid.ID
	file     *os.File
	tempPath string
	hasher   *blake3.Hasher
	written  int64
	done     bool
}

func (w *fsStreamSession) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if n > 0 {
		w.hasher.Write(p[:n])
		w.written += int64(n)
	}
	return n, err
}

func (w *fsStreamSession) Commit(ctx context.Context) (Result, error) {
	if w.done {
		return Result{}, fmt.Errorf("blob: session already finished")
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.discard()
		return Result{}, fmt.Errorf("blob: syncing %s: %w", w.id, err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tempPath)
		return Result{}, fmt.Errorf("blob: closing %s: %w", w.id, err)
	}

	checksum := w.hasher.Sum(nil)
	if err := w.store.commitObject(w.tempPath, w.id, uint64(w.written), checksum); err != nil {
		os.Remove(w.tempPath)
		return Result{}, err
	}
	return Result{Bytes: w.written, Checksum: checksum, Promoted: true}, nil
}

func (w *fsStreamSession) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.discard()
}

func (w *fsStreamSession) discard() {
	w.file.Close()
	os.Remove(w.tempPath)
}

// commitObject moves a complete file into objects/ and writes the
// sidecar. Rename is atomic within the store root.
func (s *FS) commitObject(fromPath string, id fileid.ID, size uint64, checksum []byte) error {
	meta, err := codec.Marshal(Metadata{
		Size:     size,
		Checksum: checksum,
		StoredAt: s.clock.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("blob: encoding metadata for %s: %w", id, err)
	}
	if err := os.WriteFile(s.metaPath(id), meta, 0o644); err != nil {
		return fmt.Errorf("blob: writing metadata for %s: %w", id, err)
	}
	if err := os.Rename(fromPath, s.objectPath(id)); err != nil {
		os.Remove(s.metaPath(id))
		return fmt.Errorf("blob: committing %s: %w", id, err)
	}
	s.logger.Info("blob committed", "id", id.String(), "bytes", size)
	return nil
}

// CreateChunk starts a staged write at span.Start. The chunk carrying
// the final byte of the declared total promotes the staged file.
func (s *FS) CreateChunk(ctx context.Context, id fileid.ID, span httprange.ContentRange) (WriteSession, error) {
	file, err := os.OpenFile(s.stagingPath(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blob: opening staging file for %s: %w", id, err)
	}
	if _, err := file.Seek(int64(span.Start), io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("blob: seeking to %d in %s: %w", span.Start, id, err)
	}
	return &fsChunkSession{store: s, id: id, file: file, span: span}, nil
}

type fsChunkSession struct {
	store   *FS
	id      fileid.ID
	file    *os.File
	span    httprange.ContentRange
	written int64
	done    bool
}

func (w *fsChunkSession) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *fsChunkSession) Commit(ctx context.Context) (Result, error) {
	if w.done {
		return Result{}, fmt.Errorf("blob: session already finished")
	}
	w.done = true

	if uint64(w.written) != w.span.Len() {
		w.file.Close()
		return Result{}, fmt.Errorf("blob: chunk for %s carried %d bytes, content-range declared %d",
			w.id, w.written, w.span.Len())
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return Result{}, fmt.Errorf("blob: syncing chunk for %s: %w", w.id, err)
	}
	if err := w.file.Close(); err != nil {
		return Result{}, fmt.Errorf("blob: closing chunk for %s: %w", w.id, err)
	}

	// The chunk carrying the last declared byte completes the upload.
	if !w.span.HasTotal || w.span.End+1 != w.span.Total {
		return Result{Bytes: w.written}, nil
	}

	checksum, err := w.store.checksumFile(w.store.stagingPath(w.id))
	if err != nil {
		return Result{}, err
	}
	if err := w.store.commitObject(w.store.stagingPath(w.id), w.id, w.span.Total, checksum); err != nil {
		return Result{}, err
	}
	return Result{Bytes: w.written, Checksum: checksum, Promoted: true}, nil
}

func (w *fsChunkSession) Abort() {
	if w.done {
		return
	}
	w.done = true
	// The staging file keeps previously accepted chunks; only this
	// session's handle is discarded. The client re-sends the chunk.
	w.file.Close()
}

func (s *FS) checksumFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blob: reading back %s: %w", path, err)
	}
	defer file.Close()
	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("blob: checksumming %s: %w", path, err)
	}
	return hasher.Sum(nil), nil
}

// rangeReader closes the underlying file when the section is done.
type rangeReader struct {
	io.Reader
	file *os.File
}

func (r *rangeReader) Close() error { return r.file.Close() }

// ReadRange serves a span of a committed blob.
func (s *FS) ReadRange(ctx context.Context, id fileid.ID, span httprange.Range) (io.ReadCloser, error) {
	file, err := os.Open(s.objectPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: opening %s: %w", id, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("blob: stat %s: %w", id, err)
	}
	if span.End >= uint64(info.Size()) {
		file.Close()
		return nil, ErrInvalidRange
	}
	section := io.NewSectionReader(file, int64(span.Start), int64(span.Len()))
	return &rangeReader{Reader: section, file: file}, nil
}

// Size returns the committed size, falling back to the bytes staged
// so far for an in-progress chunked upload.
func (s *FS) Size(ctx context.Context, id fileid.ID) (uint64, error) {
	for _, path := range []string{s.objectPath(id), s.stagingPath(id)} {
		info, err := os.Stat(path)
		if err == nil {
			return uint64(info.Size()), nil
		}
		if !os.IsNotExist(err) {
			return 0, fmt.Errorf("blob: stat %s: %w", id, err)
		}
	}
	return 0, ErrNotFound
}

// Metadata returns the sidecar for a committed blob.
func (s *FS) Metadata(ctx context.Context, id fileid.ID) (Metadata, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("blob: reading metadata for %s: %w", id, err)
	}
	var meta Metadata
	if err := codec.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("blob: decoding metadata for %s: %w", id, err)
	}
	return meta, nil
}

// Remove deletes a blob, committed or staged.
func (s *FS) Remove(ctx context.Context, id fileid.ID) error {
	removed := false
	for _, path := range []string{s.objectPath(id), s.stagingPath(id), s.metaPath(id)} {
		err := os.Remove(path)
		if err == nil {
			removed = true
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("blob: removing %s: %w", id, err)
		}
	}
	if !removed {
		return ErrNotFound
	}
	s.logger.Info("blob removed", "id", id.String())
	return nil
}

// PurgeAll wipes the store: committed blobs, staged uploads, temp
// files, and sidecars.
func (s *FS) PurgeAll(ctx context.Context) (int64, error) {
	var objects int64
	for _, dir := range []string{objectsDir, stagingDir, tmpDir, metaDir} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return objects, fmt.Errorf("blob: listing %s: %w", dir, err)
		}
		for _, entry := range entries {
			if err := os.Remove(filepath.Join(s.root, dir, entry.Name())); err != nil {
				return objects, fmt.Errorf("blob: purging %s/%s: %w", dir, entry.Name(), err)
			}
			if dir == objectsDir {
				objects++
			}
		}
	}
	s.logger.Info("blob store purged", "objects", objects)
	return objects, nil
}

// PurgeStale removes staged uploads and temp files last modified
// before cutoff. Committed blobs are never touched.
func (s *FS) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, dir := range []string{stagingDir, tmpDir} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return removed, fmt.Errorf("blob: listing %s: %w", dir, err)
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return removed, fmt.Errorf("blob: stat %s/%s: %w", dir, entry.Name(), err)
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(s.root, dir, entry.Name())); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("blob: removing stale %s/%s: %w", dir, entry.Name(), err)
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("stale uploads purged", "count", removed)
	}
	return removed, nil
}

// Count returns the number of committed blobs.
func (s *FS) Count(ctx context.Context) (int64, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, objectsDir))
	if err != nil {
		return 0, fmt.Errorf("blob: listing objects: %w", err)
	}
	count := int64(0)
	for _, entry := range entries {
		if entry.Type()&fs.ModeType == 0 {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the filesystem store.
func (s *FS) Close() error { return nil }
