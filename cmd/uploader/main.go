// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// The uploader daemon: an authenticated HTTP(S) endpoint that streams
// uploads into a blob store (filesystem or S3), serves ranged
// downloads, and maintains the encrypted node index.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/blobvault/uploader/lib/blob"
	"github.com/blobvault/uploader/lib/blob/s3store"
	"github.com/blobvault/uploader/lib/clock"
	"github.com/blobvault/uploader/lib/config"
	"github.com/blobvault/uploader/lib/cron"
	"github.com/blobvault/uploader/lib/node"
	"github.com/blobvault/uploader/lib/process"
	"github.com/blobvault/uploader/lib/service"
	"github.com/blobvault/uploader/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	var configPath string
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "path to uploader.yaml (overrides UPLOADER_CONFIG)")
	flag.Parse()

	if showVersion {
		version.Print("uploader")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := service.NewLogger()

	// Blob backend. The node index lives under storage.root regardless
	// of backend, so EnsurePaths runs for both.
	var blobs blob.Store
	switch cfg.Storage.Backend {
	case "s3":
		blobs, err = s3store.Open(ctx, s3store.Config{
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			Accelerate:      cfg.Storage.S3.Accelerate,
			Logger:          logger,
		})
	default:
		blobs, err = blob.OpenFS(cfg.Storage.Root, logger)
	}
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	defer blobs.Close()

	nodes, err := node.Open(filepath.Join(cfg.Storage.Root, "nodes.db"), logger)
	if err != nil {
		return fmt.Errorf("opening node index: %w", err)
	}
	defer nodes.Close()

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		tlsConfig, err = service.TLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ClientCAFile)
		if err != nil {
			return fmt.Errorf("loading TLS configuration: %w", err)
		}
	}

	handler := NewHandler(HandlerConfig{
		Blobs:                blobs,
		Nodes:                nodes,
		AuthToken:            cfg.Auth.Token,
		MaxBodyBytes:         cfg.Limits.MaxBodyBytes,
		UploadBytesPerSecond: cfg.Limits.UploadBytesPerSecond,
		Clock:                clock.Real(),
		Logger:               logger,
	})

	server := service.NewServer(service.ServerConfig{
		Address:         cfg.Listen,
		Handler:         handler,
		TLS:             tlsConfig,
		MaxConnections:  cfg.Limits.MaxConnections,
		MaxHeaderBytes:  cfg.Limits.MaxHeaderBytes,
		IdleTimeout:     cfg.IdleTimeout(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Logger:          logger,
	})

	// Background janitor for abandoned staging artifacts.
	if cfg.Purge.Schedule != "" {
		schedule, err := cron.Parse(cfg.Purge.Schedule)
		if err != nil {
			return fmt.Errorf("invalid purge.schedule: %w", err)
		}
		janitor := NewJanitor(JanitorConfig{
			Schedule:   schedule,
			StaleAfter: cfg.StaleAfter(),
			Blobs:      blobs,
			Clock:      clock.Real(),
			Logger:     logger,
		})
		go janitor.Run(ctx)
	}

	logger.Info("uploader starting",
		"listen", cfg.Listen,
		"backend", cfg.Storage.Backend,
		"tls", cfg.TLS.Enabled,
		"version", version.Short(),
	)

	return server.Serve(ctx)
}
