// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package s3store

import "fmt"

// Part size tiers. Small artifacts use small parts so chunked clients
// get frequent commit points; large artifacts use big parts to stay
// under S3's 10,000-part ceiling.
const (
	MiB = 1 << 20

	smallPartSize  = 5 * MiB
	mediumPartSize = 10 * MiB
	largePartSize  = 50 * MiB

	smallThreshold  = 50 * MiB
	mediumThreshold = 500 * MiB
)

// PartSize returns the multipart part size used for an artifact of
// the given total size.
func PartSize(total uint64) uint64 {
	switch {
	case total < smallThreshold:
		return smallPartSize
	case total < mediumThreshold:
		return mediumPartSize
	default:
		return largePartSize
	}
}

// PartCount returns how many parts an artifact of the given total
// splits into.
func PartCount(total uint64) int32 {
	if total == 0 {
		return 0
	}
	partSize := PartSize(total)
	return int32((total + partSize - 1) / partSize)
}

// PartNumber maps a chunk starting at offset to its 1-based S3 part
// number. The offset must be part-aligned.
func PartNumber(offset, total uint64) (int32, error) {
	partSize := PartSize(total)
	if offset%partSize != 0 {
		return 0, fmt.Errorf("s3store: offset %d not aligned to part size %d", offset, partSize)
	}
	return int32(offset/partSize) + 1, nil
}

// ChunkSpanValid reports whether a chunk covering [start, end] fits
// the partition plan for the given total: part-aligned start, and a
// length of exactly one part (or the shorter final part).
func ChunkSpanValid(start, end, total uint64) bool {
	if end >= total || start > end {
		return false
	}
	partSize := PartSize(total)
	if start%partSize != 0 {
		return false
	}
	length := end - start + 1
	if length == partSize {
		return true
	}
	// The final part may be short.
	return end == total-1 && length < partSize
}
