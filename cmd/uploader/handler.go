// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/blobvault/uploader/lib/blob"
	"github.com/blobvault/uploader/lib/clock"
	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/httprange"
	"github.com/blobvault/uploader/lib/node"
	"github.com/blobvault/uploader/lib/stream"
	"github.com/blobvault/uploader/lib/version"
)

// authHeader carries the shared secret on every authenticated route.
const authHeader = "X-Uploader-Auth"

// maxNodeBodyBytes bounds the JSON body of node operations. Node
// records are small ciphertext entries; this is generous.
const maxNodeBodyBytes = 16 << 20

// HandlerConfig configures the daemon's HTTP handler.
type HandlerConfig struct {
	Blobs blob.Store
	Nodes *node.Store

	// AuthToken is the shared secret for authenticated routes. Empty
	// disables authentication.
	AuthToken string

	// MaxBodyBytes caps a single upload. Zero means unlimited.
	MaxBodyBytes int64

	// UploadBytesPerSecond throttles each upload stream. Zero means
	// unthrottled.
	UploadBytesPerSecond int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Handler routes the uploader's HTTP surface: streaming and resumable
// uploads, ranged downloads, the node index, purge, and status.
type Handler struct {
	blobs     blob.Store
	nodes     *node.Store
	authToken []byte
	maxBody   int64
	rateLimit int64
	clock     clock.Clock
	logger    *slog.Logger
	startedAt time.Time

	router chi.Router
}

// NewHandler builds the HTTP handler.
func NewHandler(config HandlerConfig) *Handler {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	h := &Handler{
		blobs:     config.Blobs,
		nodes:     config.Nodes,
		authToken: []byte(config.AuthToken),
		maxBody:   config.MaxBodyBytes,
		rateLimit: config.UploadBytesPerSecond,
		clock:     config.Clock,
		logger:    config.Logger,
		startedAt: config.Clock.Now(),
	}

	router := chi.NewRouter()
	router.Use(corsMiddleware)

	// Status is deliberately unauthenticated: liveness probes have no
	// secret.
	router.Get("/status", h.handleStatus)

	router.Group(func(router chi.Router) {
		router.Use(h.authMiddleware)

		router.Post("/uploads/stream/{fileID}", h.handleStreamUpload)
		router.Post("/uploads/chunk/{fileID}", h.handleChunkUpload)
		router.Get("/uploads/chunk/{fileID}", h.handleRangedDownload)
		router.Head("/uploads/{fileID}", h.handleLength)

		router.Post("/nodes", h.handleAddNodes)
		router.Get("/nodes", h.handleListNodes)
		router.Delete("/nodes/{fileID}", h.handleDeleteNode)

		router.Post("/purge", h.handlePurge)
	})

	h.router = router
	return h
}

func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.router.ServeHTTP(writer, request)
}

// --- middleware ---

// corsMiddleware is deliberately permissive: the original deployment
// served browser clients directly, with authentication carried in the
// custom header rather than cookies.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		header := writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
		header.Set("Access-Control-Allow-Headers", authHeader+", Content-Type, Content-Range, Range")
		header.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length")

		if request.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(writer, request)
	})
}

// authMiddleware enforces the shared-secret header. Comparison is
// constant-time so the token cannot be probed byte by byte.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if len(h.authToken) > 0 {
			presented := []byte(request.Header.Get(authHeader))
			if subtle.ConstantTimeCompare(presented, h.authToken) != 1 {
				writeError(writer, http.StatusForbidden, "missing or invalid auth token")
				return
			}
		}
		next.ServeHTTP(writer, request)
	})
}

// --- upload/download ---

type uploadResponse struct {
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum,omitempty"`
	Promoted bool   `json:"promoted"`
}

func (h *Handler) handleStreamUpload(writer http.ResponseWriter, request *http.Request) {
	id, ok := h.fileID(writer, request)
	if !ok {
		return
	}

	session, err := h.blobs.Create(request.Context(), id)
	if err != nil {
		h.storageError(writer, "starting upload", id, err)
		return
	}
	defer session.Abort()

	written, err := stream.Copy(request.Context(), session, request.Body, h.copyLimits())
	if err != nil {
		h.uploadError(writer, id, written, err)
		return
	}

	result, err := session.Commit(request.Context())
	if err != nil {
		h.storageError(writer, "committing upload", id, err)
		return
	}

	h.logger.Info("stream upload complete", "id", id.String(), "bytes", result.Bytes)
	writeJSON(writer, http.StatusOK, uploadResponse{
		Bytes:    result.Bytes,
		Checksum: hex.EncodeToString(result.Checksum),
		Promoted: result.Promoted,
	})
}

func (h *Handler) handleChunkUpload(writer http.ResponseWriter, request *http.Request) {
	id, ok := h.fileID(writer, request)
	if !ok {
		return
	}

	header := request.Header.Get("Content-Range")
	if header == "" {
		writeError(writer, http.StatusRequestedRangeNotSatisfiable, "Content-Range header is required")
		return
	}
	span, err := httprange.ParseContentRange(header)
	if err != nil {
		writeError(writer, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}
	if h.maxBody > 0 && span.HasTotal && span.Total > uint64(h.maxBody) {
		writeError(writer, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("declared total %d exceeds the %d byte limit", span.Total, h.maxBody))
		return
	}

	session, err := h.blobs.CreateChunk(request.Context(), id, span)
	if err != nil {
		// The span parsed but the store cannot stage it there (bad
		// alignment, total mismatch with an earlier chunk).
		writeError(writer, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}
	defer session.Abort()

	written, err := stream.Copy(request.Context(), session, request.Body, h.copyLimits())
	if err != nil {
		h.uploadError(writer, id, written, err)
		return
	}

	result, err := session.Commit(request.Context())
	if err != nil {
		h.storageError(writer, "committing chunk", id, err)
		return
	}

	h.logger.Info("chunk accepted",
		"id", id.String(), "span", span.String(), "promoted", result.Promoted)
	writeJSON(writer, http.StatusOK, uploadResponse{
		Bytes:    result.Bytes,
		Checksum: hex.EncodeToString(result.Checksum),
		Promoted: result.Promoted,
	})
}

func (h *Handler) handleRangedDownload(writer http.ResponseWriter, request *http.Request) {
	id, ok := h.fileID(writer, request)
	if !ok {
		return
	}

	header := request.Header.Get("Range")
	if header == "" {
		writeError(writer, http.StatusRequestedRangeNotSatisfiable, "Range header is required")
		return
	}
	span, err := httprange.ParseRange(header)
	if err != nil {
		writeError(writer, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	reader, err := h.blobs.ReadRange(request.Context(), id, span)
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrNotFound):
			writeError(writer, http.StatusNotFound, "no such artifact")
		case errors.Is(err, blob.ErrInvalidRange):
			writeError(writer, http.StatusRequestedRangeNotSatisfiable, "range outside stored data")
		default:
			h.storageError(writer, "reading range", id, err)
		}
		return
	}
	defer reader.Close()

	total, err := h.blobs.Size(request.Context(), id)
	if err != nil {
		h.storageError(writer, "sizing artifact", id, err)
		return
	}

	writer.Header().Set("Content-Type", "application/octet-stream")
	writer.Header().Set("Content-Range",
		httprange.ContentRange{Start: span.Start, End: span.End, Total: total, HasTotal: true}.String())
	writer.Header().Set("Content-Length", fmt.Sprintf("%d", span.Len()))
	writer.WriteHeader(http.StatusPartialContent)

	if _, err := io.Copy(writer, reader); err != nil {
		// Headers are gone; drop the connection rather than send a
		// truncated body that looks complete.
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) handleLength(writer http.ResponseWriter, request *http.Request) {
	id, ok := h.fileID(writer, request)
	if !ok {
		return
	}

	size, err := h.blobs.Size(request.Context(), id)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		h.storageError(writer, "sizing artifact", id, err)
		return
	}
	writer.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	writer.WriteHeader(http.StatusOK)
}

// --- node index ---

func (h *Handler) handleAddNodes(writer http.ResponseWriter, request *http.Request) {
	var nodes []node.Locked
	decoder := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxNodeBodyBytes))
	if err := decoder.Decode(&nodes); err != nil {
		writeError(writer, http.StatusBadRequest, fmt.Sprintf("decoding nodes: %v", err))
		return
	}

	for _, n := range nodes {
		if err := h.nodes.Put(request.Context(), n); err != nil {
			h.storageError(writer, "storing node", n.ID, err)
			return
		}
	}
	h.logger.Info("nodes stored", "count", len(nodes))
	writer.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleListNodes(writer http.ResponseWriter, request *http.Request) {
	nodes, err := h.nodes.List(request.Context())
	if err != nil {
		writeError(writer, http.StatusServiceUnavailable, "listing nodes failed")
		return
	}
	if nodes == nil {
		nodes = []node.Locked{}
	}
	writeJSON(writer, http.StatusOK, nodes)
}

func (h *Handler) handleDeleteNode(writer http.ResponseWriter, request *http.Request) {
	id, ok := h.fileID(writer, request)
	if !ok {
		return
	}

	deleted, err := h.nodes.Delete(request.Context(), id)
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			writeError(writer, http.StatusNotFound, "no such node")
			return
		}
		h.storageError(writer, "deleting node", id, err)
		return
	}

	// Remove the artifacts behind the deleted subtree. Nodes without
	// an uploaded artifact are normal (directories, not-yet-synced
	// entries).
	for _, deletedID := range deleted {
		if err := h.blobs.Remove(request.Context(), deletedID); err != nil && !errors.Is(err, blob.ErrNotFound) {
			h.logger.Warn("removing artifact for deleted node failed",
				"id", deletedID.String(), "error", err)
		}
	}

	h.logger.Info("node deleted", "id", id.String(), "subtree_size", len(deleted))
	writer.WriteHeader(http.StatusNoContent)
}

// --- purge / status ---

type purgeResponse struct {
	Nodes int64 `json:"nodes"`
	Blobs int64 `json:"blobs"`
}

func (h *Handler) handlePurge(writer http.ResponseWriter, request *http.Request) {
	nodesPurged, err := h.nodes.Purge(request.Context())
	if err != nil {
		writeError(writer, http.StatusServiceUnavailable, "purging node index failed")
		return
	}
	blobsPurged, err := h.blobs.PurgeAll(request.Context())
	if err != nil {
		writeError(writer, http.StatusServiceUnavailable, "purging blob store failed")
		return
	}

	h.logger.Info("purge complete", "nodes", nodesPurged, "blobs", blobsPurged)
	writeJSON(writer, http.StatusOK, purgeResponse{Nodes: nodesPurged, Blobs: blobsPurged})
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Artifacts     int64  `json:"artifacts"`
	Nodes         int64  `json:"nodes"`
}

func (h *Handler) handleStatus(writer http.ResponseWriter, request *http.Request) {
	artifacts, err := h.blobs.Count(request.Context())
	if err != nil {
		writeError(writer, http.StatusServiceUnavailable, "blob store unavailable")
		return
	}
	nodes, err := h.nodes.Count(request.Context())
	if err != nil {
		writeError(writer, http.StatusServiceUnavailable, "node index unavailable")
		return
	}

	writeJSON(writer, http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       version.Short(),
		UptimeSeconds: int64(h.clock.Now().Sub(h.startedAt).Seconds()),
		Artifacts:     artifacts,
		Nodes:         nodes,
	})
}

// --- helpers ---

// fileID parses the {fileID} URL parameter, responding 400 on garbage.
func (h *Handler) fileID(writer http.ResponseWriter, request *http.Request) (fileid.ID, bool) {
	raw := chi.URLParam(request, "fileID")
	id, err := fileid.Parse(raw)
	if err != nil {
		writeError(writer, http.StatusBadRequest, fmt.Sprintf("invalid file id %q", raw))
		return 0, false
	}
	return id, true
}

// copyLimits builds the per-upload stream limits. The rate limiter is
// per request: each upload gets its own token bucket.
func (h *Handler) copyLimits() stream.Limits {
	limits := stream.Limits{MaxBytes: h.maxBody}
	if h.rateLimit > 0 {
		burst := int(h.rateLimit)
		if burst < 64<<10 {
			burst = 64 << 10
		}
		limits.Rate = rate.NewLimiter(rate.Limit(h.rateLimit), burst)
	}
	return limits
}

// uploadError maps a stream.Copy failure to a response. A broken
// client stream gets the connection dropped; there is nobody left to
// read a status code.
func (h *Handler) uploadError(writer http.ResponseWriter, id fileid.ID, written int64, err error) {
	var sourceErr *stream.SourceError
	var sinkErr *stream.SinkError
	switch {
	case errors.Is(err, stream.ErrPayloadTooLarge):
		writeError(writer, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("payload exceeds the %d byte limit", h.maxBody))
	case errors.As(err, &sinkErr):
		h.storageError(writer, "writing upload", id, err)
	case errors.As(err, &sourceErr):
		h.logger.Warn("upload stream broke",
			"id", id.String(), "bytes_written", written, "error", err)
		panic(http.ErrAbortHandler)
	default:
		h.storageError(writer, "copying upload", id, err)
	}
}

func (h *Handler) storageError(writer http.ResponseWriter, operation string, id fileid.ID, err error) {
	h.logger.Error("storage error", "operation", operation, "id", id.String(), "error", err)
	writeError(writer, http.StatusServiceUnavailable, "storage unavailable")
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, errorResponse{Error: message})
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		// Headers already sent; nothing better to do than drop.
		panic(http.ErrAbortHandler)
	}
}
