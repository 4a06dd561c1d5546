// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the uploader's standard CBOR encoding
// configuration.
//
// The uploader uses two serialization formats with a clear boundary:
//
//   - JSON for the HTTP surface: node listings, status responses, CLI
//     output.
//   - CBOR for on-disk state: the metadata sidecar written next to
//     every committed blob (size, checksum, stored-at timestamp).
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (sidecar files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. Examples:
//     blob metadata sidecars.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor` tags
//     are absent, so a single `json` tag controls field naming and
//     omitempty for both formats. Examples: node records returned by
//     the HTTP API.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract.
package codec
