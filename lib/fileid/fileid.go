// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package fileid defines the 64-bit artifact identifier used across
// the uploader: in URL paths, in the node index, and as storage keys.
// The canonical text form is URL-safe base64 of the big-endian bytes.
package fileid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// ID is a 64-bit file identifier. The zero value is a valid identifier
// (clients choose their own IDs), so absence must be tracked separately.
type ID uint64

// encoding is the canonical text encoding: URL-safe base64 with
// padding, matching what clients put in URL paths.
var encoding = base64.URLEncoding

// Generate returns a new random ID from crypto/rand.
func Generate() (ID, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("fileid: reading random bytes: %w", err)
	}
	return ID(binary.BigEndian.Uint64(buf[:])), nil
}

// FromBytes derives a deterministic ID from arbitrary bytes: the first
// eight bytes of the SHA-256 digest, big-endian.
func FromBytes(data []byte) ID {
	sum := sha256.Sum256(data)
	return ID(binary.BigEndian.Uint64(sum[:8]))
}

// Parse decodes the canonical text form produced by String.
func Parse(s string) (ID, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("fileid: invalid id %q: %w", s, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("fileid: invalid id %q: want 8 bytes, got %d", s, len(raw))
	}
	return ID(binary.BigEndian.Uint64(raw)), nil
}

// String returns the canonical text form.
func (id ID) String() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return encoding.EncodeToString(buf[:])
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as
// their canonical text form in JSON and CBOR.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
