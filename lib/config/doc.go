// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the uploader.
//
// Configuration is loaded from a single file specified by either the
// UPLOADER_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// Variable expansion is performed on path and secret fields after
// loading: ${HOME} and ${VAR:-default} patterns are expanded, so
// secrets like the auth token and S3 credentials can reference the
// environment instead of living in the file. No other environment
// variables override config values.
//
// Durations are YAML strings in Go duration syntax ("30s", "5m") and
// are surfaced as time.Duration through accessor methods
// ([Config.IdleTimeout], [Config.ShutdownTimeout],
// [Config.StaleAfter]).
//
// Key exports:
//
//   - [Config] -- master struct with Listen, TLS, Auth, Limits,
//     Storage, Purge
//   - [Default] -- a complete working development configuration
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other packages in this module.
package config
