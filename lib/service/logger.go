// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide structured logger: JSON on stderr,
// so stdout stays free for command output. Also installs it as the
// slog default so stray library logging lands in the same stream.
func NewLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	return logger
}
