// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP serving layer shared by the
// uploader daemon: listener lifecycle with readiness signaling and
// graceful shutdown, optional TLS (including mutual TLS), a ceiling on
// concurrently accepted connections, rolling idle deadlines on
// connection reads, and the process-wide structured logger.
package service
