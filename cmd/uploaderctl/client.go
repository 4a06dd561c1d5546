// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/httprange"
)

// authHeader matches the daemon's shared-secret header.
const authHeader = "X-Uploader-Auth"

// Client talks to a running uploader daemon.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient builds a client for the daemon at base (scheme://host:port).
func NewClient(base, token string) *Client {
	return &Client{base: base, token: token, http: http.DefaultClient}
}

// StatusInfo is the daemon's /status payload.
type StatusInfo struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Artifacts     int64  `json:"artifacts"`
	Nodes         int64  `json:"nodes"`
}

// UploadInfo is the daemon's upload response payload.
type UploadInfo struct {
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum"`
	Promoted bool   `json:"promoted"`
}

// PurgeInfo is the daemon's purge response payload.
type PurgeInfo struct {
	Nodes int64 `json:"nodes"`
	Blobs int64 `json:"blobs"`
}

// Status fetches daemon liveness and counters.
func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	var status StatusInfo
	err := c.doJSON(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

// Purge wipes the node index and every artifact.
func (c *Client) Purge(ctx context.Context) (PurgeInfo, error) {
	var purged PurgeInfo
	err := c.doJSON(ctx, http.MethodPost, "/purge", nil, &purged)
	return purged, err
}

// Upload streams r to the daemon as artifact id.
func (c *Client) Upload(ctx context.Context, id fileid.ID, r io.Reader) (UploadInfo, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/uploads/stream/"+id.String(), r)
	if err != nil {
		return UploadInfo{}, err
	}
	request.Header.Set(authHeader, c.token)

	response, err := c.http.Do(request)
	if err != nil {
		return UploadInfo{}, fmt.Errorf("uploading %s: %w", id, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return UploadInfo{}, responseError(response)
	}

	var info UploadInfo
	if err := json.NewDecoder(response.Body).Decode(&info); err != nil {
		return UploadInfo{}, fmt.Errorf("decoding upload response: %w", err)
	}
	return info, nil
}

// Length probes the size of artifact id.
func (c *Client) Length(ctx context.Context, id fileid.ID) (uint64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead,
		c.base+"/uploads/"+id.String(), nil)
	if err != nil {
		return 0, err
	}
	request.Header.Set(authHeader, c.token)

	response, err := c.http.Do(request)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", id, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return 0, responseError(response)
	}
	return strconv.ParseUint(response.Header.Get("Content-Length"), 10, 64)
}

// Download fetches the whole artifact id into w: a length probe
// followed by a single ranged read.
func (c *Client) Download(ctx context.Context, id fileid.ID, w io.Writer) (int64, error) {
	length, err := c.Length(ctx, id)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		return 0, nil
	}
	return c.DownloadRange(ctx, id, httprange.Range{Start: 0, End: length - 1}, w)
}

// DownloadRange fetches a byte span of artifact id into w.
func (c *Client) DownloadRange(ctx context.Context, id fileid.ID, span httprange.Range, w io.Writer) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/uploads/chunk/"+id.String(), nil)
	if err != nil {
		return 0, err
	}
	request.Header.Set(authHeader, c.token)
	request.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", span.Start, span.End))

	response, err := c.http.Do(request)
	if err != nil {
		return 0, fmt.Errorf("downloading %s: %w", id, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusPartialContent {
		return 0, responseError(response)
	}
	return io.Copy(w, response.Body)
}

// doJSON runs a small JSON request/response round trip.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	request.Header.Set(authHeader, c.token)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return responseError(response)
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(result)
}

// responseError extracts the daemon's JSON error message, falling back
// to the bare status.
func responseError(response *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server returned %s: %s", response.Status, payload.Error)
	}
	return fmt.Errorf("server returned %s", response.Status)
}
