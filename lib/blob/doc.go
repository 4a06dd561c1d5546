// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob defines the storage sink interface and its filesystem
// implementation.
//
// A blob is an opaque byte sequence keyed by a [fileid.ID]. Clients
// encrypt before uploading, so the server never interprets content.
//
// Two write paths exist:
//
//   - Streaming: [Store.Create] accepts the whole payload in one
//     session. Commit is atomic (temp file + rename), so a failed or
//     oversize upload leaves nothing visible.
//   - Chunked: [Store.CreateChunk] stages spans declared by
//     Content-Range headers. The chunk carrying the final declared
//     byte promotes the staged file into the committed set.
//
// Every committed blob gets a CBOR sidecar ([Metadata]) recording its
// size, BLAKE3 checksum, and commit time.
//
// The filesystem layout under the store root:
//
//	objects/  committed blobs, named by canonical ID
//	staging/  in-progress chunked uploads
//	tmp/      in-progress streaming uploads (random names)
//	meta/     CBOR sidecars for committed blobs
//
// Abandoned staging/ and tmp/ entries are reclaimed by
// [Store.PurgeStale], which the daemon's janitor runs on a cron
// schedule.
package blob
