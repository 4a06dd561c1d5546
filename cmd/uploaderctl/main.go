// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// uploaderctl is the admin client for a running uploader daemon:
// status, purge, upload, download, and length over the daemon's HTTP
// API.
//
// The server address and auth token come from flags or from the
// UPLOADER_SERVER and UPLOADER_AUTH_TOKEN environment variables.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/process"
	"github.com/blobvault/uploader/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--version" {
		version.Print("uploaderctl")
		return nil
	}
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(os.Stderr)
		if len(args) == 0 {
			return fmt.Errorf("subcommand required")
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command, rest := args[0], args[1:]
	switch command {
	case "status":
		return runStatus(ctx, rest)
	case "purge":
		return runPurge(ctx, rest)
	case "upload":
		return runUpload(ctx, rest)
	case "download":
		return runDownload(ctx, rest)
	case "length":
		return runLength(ctx, rest)
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `uploaderctl - admin client for the uploader daemon

Usage:
  uploaderctl <command> [flags]

Commands:
  status                    daemon liveness and counters
  purge                     wipe the node index and every artifact
  upload <file-id> [path]   stream a file (or stdin) to the daemon
  download <file-id> [path] fetch an artifact to a file (or stdout)
  length <file-id>          print an artifact's byte size

Common flags:
  --server   daemon base URL (default http://127.0.0.1:3000,
             or UPLOADER_SERVER)
  --token    auth token (or UPLOADER_AUTH_TOKEN)
`)
}

// connectionFlags registers the flags every subcommand shares and
// returns getters resolved against the environment.
func connectionFlags(flagSet *pflag.FlagSet) func() *Client {
	server := flagSet.String("server", "", "daemon base URL")
	token := flagSet.String("token", "", "auth token")

	return func() *Client {
		base := *server
		if base == "" {
			base = os.Getenv("UPLOADER_SERVER")
		}
		if base == "" {
			base = "http://127.0.0.1:3000"
		}
		secret := *token
		if secret == "" {
			secret = os.Getenv("UPLOADER_AUTH_TOKEN")
		}
		return NewClient(base, secret)
	}
}

func runStatus(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
	client := connectionFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	status, err := client().Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status:    %s\n", status.Status)
	fmt.Printf("version:   %s\n", status.Version)
	fmt.Printf("uptime:    %ds\n", status.UptimeSeconds)
	fmt.Printf("artifacts: %d\n", status.Artifacts)
	fmt.Printf("nodes:     %d\n", status.Nodes)
	return nil
}

func runPurge(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("purge", pflag.ContinueOnError)
	client := connectionFlags(flagSet)
	yes := flagSet.Bool("yes", false, "skip the confirmation prompt")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if !*yes {
		fmt.Fprint(os.Stderr, "This deletes every node and artifact. Continue? [y/N] ")
		var answer string
		fmt.Fscanln(os.Stdin, &answer)
		if answer != "y" && answer != "Y" {
			return fmt.Errorf("aborted")
		}
	}

	purged, err := client().Purge(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d nodes and %d artifacts\n", purged.Nodes, purged.Blobs)
	return nil
}

func runUpload(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("upload", pflag.ContinueOnError)
	client := connectionFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) < 1 || len(rest) > 2 {
		return fmt.Errorf("usage: uploaderctl upload <file-id> [path]")
	}
	id, err := fileid.Parse(rest[0])
	if err != nil {
		return err
	}

	source := io.Reader(os.Stdin)
	if len(rest) == 2 && rest[1] != "-" {
		file, err := os.Open(rest[1])
		if err != nil {
			return err
		}
		defer file.Close()
		source = file
	}

	info, err := client().Upload(ctx, id, source)
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %d bytes, checksum %s\n", info.Bytes, info.Checksum)
	return nil
}

func runDownload(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("download", pflag.ContinueOnError)
	client := connectionFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) < 1 || len(rest) > 2 {
		return fmt.Errorf("usage: uploaderctl download <file-id> [path]")
	}
	id, err := fileid.Parse(rest[0])
	if err != nil {
		return err
	}

	destination := io.Writer(os.Stdout)
	if len(rest) == 2 && rest[1] != "-" {
		file, err := os.Create(rest[1])
		if err != nil {
			return err
		}
		defer file.Close()
		destination = file
	}

	written, err := client().Download(ctx, id, destination)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "downloaded %d bytes\n", written)
	return nil
}

func runLength(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("length", pflag.ContinueOnError)
	client := connectionFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: uploaderctl length <file-id>")
	}
	id, err := fileid.Parse(rest[0])
	if err != nil {
		return err
	}

	length, err := client().Length(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println(length)
	return nil
}
