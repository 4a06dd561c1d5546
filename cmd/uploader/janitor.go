// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/blobvault/uploader/lib/blob"
	"github.com/blobvault/uploader/lib/clock"
	"github.com/blobvault/uploader/lib/cron"
)

// JanitorConfig configures the background purge sweep.
type JanitorConfig struct {
	// Schedule drives when sweeps run.
	Schedule cron.Schedule

	// StaleAfter is how old an uncommitted staging artifact must be
	// before a sweep removes it.
	StaleAfter time.Duration

	Blobs  blob.Store
	Clock  clock.Clock
	Logger *slog.Logger
}

// Janitor periodically removes abandoned staging artifacts and temp
// files from the blob store. Committed artifacts are never touched.
type Janitor struct {
	schedule   cron.Schedule
	staleAfter time.Duration
	blobs      blob.Store
	clock      clock.Clock
	logger     *slog.Logger
}

// NewJanitor builds a janitor. Call Run to start sweeping.
func NewJanitor(config JanitorConfig) *Janitor {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Janitor{
		schedule:   config.Schedule,
		staleAfter: config.StaleAfter,
		blobs:      config.Blobs,
		clock:      config.Clock,
		logger:     config.Logger,
	}
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	for {
		now := j.clock.Now()
		next, err := j.schedule.Next(now)
		if err != nil {
			// Impossible schedule (validated at startup, but a config
			// like "0 0 31 2 *" only fails here).
			j.logger.Error("janitor schedule has no next run", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-j.clock.After(next.Sub(now)):
		}

		j.sweep(ctx)
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := j.clock.Now().Add(-j.staleAfter)
	removed, err := j.blobs.PurgeStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("janitor sweep failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("janitor sweep complete", "removed", removed)
	}
}
