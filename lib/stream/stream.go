// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream copies upload bodies into storage sinks with byte
// and rate limits. It distinguishes source failures (the client went
// away mid-upload) from sink failures (storage is broken) so the HTTP
// layer can map them to different responses.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize is the unit of transfer and of rate accounting.
const chunkSize = 64 << 10

// ErrPayloadTooLarge is returned when the source produces more than
// Limits.MaxBytes bytes. The copy stops without draining the rest.
var ErrPayloadTooLarge = errors.New("stream: payload exceeds size limit")

// SourceError wraps a read failure: the client stream broke or lied
// about its length.
type SourceError struct{ Err error }

func (e *SourceError) Error() string { return fmt.Sprintf("stream: reading source: %v", e.Err) }
func (e *SourceError) Unwrap() error { return e.Err }

// SinkError wraps a write failure: storage could not accept the data.
type SinkError struct{ Err error }

func (e *SinkError) Error() string { return fmt.Sprintf("stream: writing sink: %v", e.Err) }
func (e *SinkError) Unwrap() error { return e.Err }

// Limits bounds a single copy.
type Limits struct {
	// MaxBytes caps the total bytes copied. Zero means unlimited.
	// Exceeding it returns ErrPayloadTooLarge.
	MaxBytes int64

	// Rate throttles the copy. Nil means unthrottled. The limiter's
	// burst must be at least 64 KiB (one transfer chunk).
	Rate *rate.Limiter
}

// Copy streams src into dst under the given limits, returning the
// number of bytes written. Cancellation of ctx aborts the copy between
// chunks.
//
// Read failures come back as *SourceError, write failures as
// *SinkError, and oversize payloads as ErrPayloadTooLarge. In every
// error case the returned count is the number of bytes already written
// to dst.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, limits Limits) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, &SourceError{Err: err}
		}

		readLimit := int64(len(buf))
		if limits.MaxBytes > 0 {
			// Read one byte past the cap so overflow is detected on
			// this iteration instead of silently truncating.
			remaining := limits.MaxBytes - written + 1
			if remaining < readLimit {
				readLimit = remaining
			}
		}

		n, readErr := src.Read(buf[:readLimit])
		if n > 0 {
			if limits.MaxBytes > 0 && written+int64(n) > limits.MaxBytes {
				return written, ErrPayloadTooLarge
			}
			if limits.Rate != nil {
				if err := limits.Rate.WaitN(ctx, n); err != nil {
					return written, &SourceError{Err: err}
				}
			}
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, &SinkError{Err: writeErr}
			}
			if wn < n {
				return written, &SinkError{Err: io.ErrShortWrite}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, &SourceError{Err: readErr}
		}
	}
}
