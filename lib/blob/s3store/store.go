// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3store implements the blob.Store interface on S3 or an
// S3-compatible object store (MinIO, Ceph RGW).
//
// Streaming uploads buffer one part at a time and go through the
// multipart API once they outgrow a single part. Chunked uploads map
// Content-Range spans directly onto multipart parts, which requires
// clients to send part-aligned chunks sized by the partition plan
// (see PartSize). Staged multipart state lives in memory; uploads
// abandoned across a restart are reclaimed by PurgeStale via the
// bucket's multipart listing.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/zeebo/blake3"

	"github.com/blobvault/uploader/lib/blob"
	"github.com/blobvault/uploader/lib/clock"
	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/httprange"
)

// streamPartSize is the buffer size for streaming uploads, where the
// total is unknown up front.
const streamPartSize = 8 * MiB

// deleteBatchSize is the DeleteObjects request ceiling.
const deleteBatchSize = 1000

// Config holds the connection parameters for an S3 store.
type Config struct {
	Bucket string
	Region string

	// Endpoint, when set, overrides the S3 endpoint URL and switches
	// to path-style addressing for S3-compatible stores.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials. When
	// empty the SDK's default chain (env, shared config, IMDS) is
	// used.
	AccessKeyID     string
	SecretAccessKey string

	// Accelerate enables S3 Transfer Acceleration.
	Accelerate bool

	Logger *slog.Logger
}

// api is the slice of the S3 client this store uses. *s3.Client
// satisfies it; tests substitute a fake.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, opts ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

// Store is an S3-backed blob.Store.
type Store struct {
	client api
	bucket string
	logger *slog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	uploads map[fileid.ID]*stagedUpload
}

var _ blob.Store = (*Store)(nil)

// stagedUpload tracks an in-flight chunked multipart upload.
type stagedUpload struct {
	uploadID  string
	total     uint64
	staged    uint64
	parts     []types.CompletedPart
	startedAt time.Time
}

// Open connects to the configured bucket.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3store: Bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.UseAccelerate = cfg.Accelerate
	})

	return newStore(client, cfg.Bucket, cfg.Logger), nil
}

func newStore(client api, bucket string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return &Store{
		client:  client,
		bucket:  bucket,
		logger:  logger,
		clock:   clock.Real(),
		uploads: make(map[fileid.ID]*stagedUpload),
	}
}

// Create starts a streaming upload. Payloads that fit one part go up
// as a single PutObject on Commit; larger payloads switch to the
// multipart API as parts fill.
func (s *Store) Create(ctx context.Context, id fileid.ID) (blob.WriteSession, error) {
	return &streamSession{store: s, id: id, ctx: ctx, hasher: blake3.New()}, nil
}

type streamSession struct {
	store  *Store
	id     fileid.ID
	hasher *blake3.Hasher

	// ctx is the request context captured at Create. io.Writer carries
	// no context, and part uploads triggered from Write must stop when
	// the request is cancelled.
	ctx context.Context

	buffer   bytes.Buffer
	uploadID string
	parts    []types.CompletedPart
	written  int64
	done     bool
}

func (w *streamSession) Write(p []byte) (int, error) {
	w.hasher.Write(p)
	w.written += int64(len(p))
	w.buffer.Write(p)
	for w.buffer.Len() >= streamPartSize {
		if err := w.flushPart(w.ctx); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// flushPart uploads one full part from the buffer, starting the
// multipart upload on first use.
func (w *streamSession) flushPart(ctx context.Context) error {
	if w.uploadID == "" {
		out, err := w.store.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(w.store.bucket),
			Key:    aws.String(w.id.String()),
		})
		if err != nil {
			return fmt.Errorf("s3store: starting multipart for %s: %w", w.id, err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}

	part := w.buffer.Next(streamPartSize)
	number := int32(len(w.parts)) + 1
	out, err := w.store.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(w.store.bucket),
		Key:           aws.String(w.id.String()),
		UploadId:      aws.String(w.uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(part),
		ContentLength: aws.Int64(int64(len(part))),
	})
	if err != nil {
		return fmt.Errorf("s3store: uploading part %d of %s: %w", number, w.id, err)
	}
	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(number),
	})
	return nil
}

func (w *streamSession) Commit(ctx context.Context) (blob.Result, error) {
	if w.done {
		return blob.Result{}, fmt.Errorf("s3store: session already finished")
	}
	w.done = true

	checksum := w.hasher.Sum(nil)

	// Small payload: single PutObject.
	if w.uploadID == "" {
		_, err := w.store.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(w.store.bucket),
			Key:           aws.String(w.id.String()),
			Body:          bytes.NewReader(w.buffer.Bytes()),
			ContentLength: aws.Int64(int64(w.buffer.Len())),
		})
		if err != nil {
			return blob.Result{}, fmt.Errorf("s3store: putting %s: %w", w.id, err)
		}
		w.store.logger.Info("blob committed", "id", w.id.String(), "bytes", w.written)
		return blob.Result{Bytes: w.written, Checksum: checksum, Promoted: true}, nil
	}

	// Flush the tail and complete.
	for w.buffer.Len() > 0 {
		if err := w.flushPart(ctx); err != nil {
			w.abortMultipart()
			return blob.Result{}, err
		}
	}
	_, err := w.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.store.bucket),
		Key:             aws.String(w.id.String()),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
	})
	if err != nil {
		w.abortMultipart()
		return blob.Result{}, fmt.Errorf("s3store: completing %s: %w", w.id, err)
	}
	w.store.logger.Info("blob committed", "id", w.id.String(), "bytes", w.written)
	return blob.Result{Bytes: w.written, Checksum: checksum, Promoted: true}, nil
}

func (w *streamSession) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.abortMultipart()
}

func (w *streamSession) abortMultipart() {
	if w.uploadID == "" {
		return
	}
	_, err := w.store.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.store.bucket),
		Key:      aws.String(w.id.String()),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		w.store.logger.Warn("abandoned multipart abort failed",
			"id", w.id.String(), "error", err)
	}
}

// CreateChunk stages a Content-Range span as a multipart part. The
// span must declare a total and fit the partition plan. No checksum
// is produced on promotion: parts may arrive across restarts, so the
// store never sees the whole byte stream in order.
func (s *Store) CreateChunk(ctx context.Context, id fileid.ID, span httprange.ContentRange) (blob.WriteSession, error) {
	if !span.HasTotal {
		return nil, fmt.Errorf("s3store: chunked uploads need a declared total")
	}
	if !ChunkSpanValid(span.Start, span.End, span.Total) {
		return nil, fmt.Errorf("s3store: chunk %d-%d does not fit the partition plan for total %d (part size %d)",
			span.Start, span.End, span.Total, PartSize(span.Total))
	}

	s.mu.Lock()
	staged, ok := s.uploads[id]
	if !ok {
		out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(id.String()),
		})
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("s3store: starting multipart for %s: %w", id, err)
		}
		staged = &stagedUpload{
			uploadID:  aws.ToString(out.UploadId),
			total:     span.Total,
			startedAt: s.clock.Now(),
		}
		s.uploads[id] = staged
	}
	s.mu.Unlock()

	if staged.total != span.Total {
		return nil, fmt.Errorf("s3store: chunk declares total %d, upload started with %d", span.Total, staged.total)
	}

	return &chunkSession{store: s, id: id, span: span, staged: staged}, nil
}

type chunkSession struct {
	store  *Store
	id     fileid.ID
	span   httprange.ContentRange
	staged *stagedUpload
	buffer bytes.Buffer
	done   bool
}

func (w *chunkSession) Write(p []byte) (int, error) {
	if uint64(w.buffer.Len())+uint64(len(p)) > w.span.Len() {
		return 0, fmt.Errorf("s3store: chunk for %s overflows its declared span", w.id)
	}
	return w.buffer.Write(p)
}

func (w *chunkSession) Commit(ctx context.Context) (blob.Result, error) {
	if w.done {
		return blob.Result{}, fmt.Errorf("s3store: session already finished")
	}
	w.done = true

	if uint64(w.buffer.Len()) != w.span.Len() {
		return blob.Result{}, fmt.Errorf("s3store: chunk for %s carried %d bytes, content-range declared %d",
			w.id, w.buffer.Len(), w.span.Len())
	}

	number, err := PartNumber(w.span.Start, w.span.Total)
	if err != nil {
		return blob.Result{}, err
	}
	out, err := w.store.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(w.store.bucket),
		Key:           aws.String(w.id.String()),
		UploadId:      aws.String(w.staged.uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(w.buffer.Bytes()),
		ContentLength: aws.Int64(int64(w.buffer.Len())),
	})
	if err != nil {
		return blob.Result{}, fmt.Errorf("s3store: uploading part %d of %s: %w", number, w.id, err)
	}

	w.store.mu.Lock()
	w.staged.staged += w.span.Len()
	w.staged.parts = append(w.staged.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(number),
	})
	complete := w.span.End+1 == w.span.Total
	if complete {
		delete(w.store.uploads, w.id)
	}
	w.store.mu.Unlock()

	written := int64(w.span.Len())
	if !complete {
		return blob.Result{Bytes: written}, nil
	}

	sort.Slice(w.staged.parts, func(i, j int) bool {
		return aws.ToInt32(w.staged.parts[i].PartNumber) < aws.ToInt32(w.staged.parts[j].PartNumber)
	})
	_, err = w.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.store.bucket),
		Key:             aws.String(w.id.String()),
		UploadId:        aws.String(w.staged.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.staged.parts},
	})
	if err != nil {
		return blob.Result{}, fmt.Errorf("s3store: completing %s: %w", w.id, err)
	}
	w.store.logger.Info("blob committed", "id", w.id.String(), "bytes", w.span.Total)
	return blob.Result{Bytes: written, Promoted: true}, nil
}

func (w *chunkSession) Abort() {
	// The multipart upload keeps previously accepted parts; only this
	// chunk's buffer is discarded. The client re-sends the chunk.
	w.done = true
}

// ReadRange serves a span of a committed blob via a ranged GetObject.
func (s *Store) ReadRange(ctx context.Context, id fileid.ID, span httprange.Range) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id.String()),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", span.Start, span.End)),
	})
	if err != nil {
		return nil, mapReadError(id, err)
	}
	return out.Body, nil
}

// Size returns the committed size via HeadObject, falling back to the
// bytes staged so far for an in-flight chunked upload.
func (s *Store) Size(ctx context.Context, id fileid.ID) (uint64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id.String()),
	})
	if err == nil {
		return uint64(aws.ToInt64(out.ContentLength)), nil
	}
	if !isNotFound(err) {
		return 0, fmt.Errorf("s3store: head %s: %w", id, err)
	}

	s.mu.Lock()
	staged, ok := s.uploads[id]
	s.mu.Unlock()
	if ok {
		return staged.staged, nil
	}
	return 0, blob.ErrNotFound
}

// Remove deletes a blob and aborts any in-flight chunked upload for
// the same ID.
func (s *Store) Remove(ctx context.Context, id fileid.ID) error {
	s.mu.Lock()
	staged, hadStaged := s.uploads[id]
	delete(s.uploads, id)
	s.mu.Unlock()

	if hadStaged {
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(id.String()),
			UploadId: aws.String(staged.uploadID),
		})
		if err != nil {
			s.logger.Warn("aborting staged upload failed", "id", id.String(), "error", err)
		}
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id.String()),
	})
	if err != nil {
		if isNotFound(err) {
			if hadStaged {
				return nil
			}
			return blob.ErrNotFound
		}
		return fmt.Errorf("s3store: head %s: %w", id, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id.String()),
	})
	if err != nil {
		return fmt.Errorf("s3store: deleting %s: %w", id, err)
	}
	s.logger.Info("blob removed", "id", id.String())
	return nil
}

// PurgeAll deletes every object in the bucket (in DeleteObjects
// batches) and aborts every multipart upload.
func (s *Store) PurgeAll(ctx context.Context) (int64, error) {
	var removed int64
	var batch []types.ObjectIdentifier

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3store: deleting batch: %w", err)
		}
		removed += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	var continuation *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			ContinuationToken: continuation,
		})
		if err != nil {
			return removed, fmt.Errorf("s3store: listing objects: %w", err)
		}
		for _, object := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: object.Key})
			if len(batch) == deleteBatchSize {
				if err := flush(); err != nil {
					return removed, err
				}
			}
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuation = page.NextContinuationToken
	}
	if err := flush(); err != nil {
		return removed, err
	}

	if _, err := s.abortUploadsBefore(ctx, s.clock.Now().Add(time.Second)); err != nil {
		return removed, err
	}

	s.mu.Lock()
	s.uploads = make(map[fileid.ID]*stagedUpload)
	s.mu.Unlock()

	s.logger.Info("blob store purged", "objects", removed)
	return removed, nil
}

// PurgeStale aborts multipart uploads initiated before cutoff.
// Committed objects are never touched.
func (s *Store) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	aborted, err := s.abortUploadsBefore(ctx, cutoff)
	if err != nil {
		return aborted, err
	}

	s.mu.Lock()
	for id, staged := range s.uploads {
		if staged.startedAt.Before(cutoff) {
			delete(s.uploads, id)
		}
	}
	s.mu.Unlock()

	if aborted > 0 {
		s.logger.Info("stale uploads purged", "count", aborted)
	}
	return aborted, nil
}

func (s *Store) abortUploadsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	aborted := 0
	out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return 0, fmt.Errorf("s3store: listing multipart uploads: %w", err)
	}
	for _, upload := range out.Uploads {
		if upload.Initiated != nil && !upload.Initiated.Before(cutoff) {
			continue
		}
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      upload.Key,
			UploadId: upload.UploadId,
		})
		if err != nil {
			return aborted, fmt.Errorf("s3store: aborting upload of %s: %w", aws.ToString(upload.Key), err)
		}
		aborted++
	}
	return aborted, nil
}

// Count returns the number of objects in the bucket.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	var continuation *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			ContinuationToken: continuation,
		})
		if err != nil {
			return count, fmt.Errorf("s3store: listing objects: %w", err)
		}
		count += int64(len(page.Contents))
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuation = page.NextContinuationToken
	}
	return count, nil
}

// Close is a no-op; the SDK client holds no resources needing release.
func (s *Store) Close() error { return nil }

// mapReadError translates SDK errors on the read path to the store's
// sentinel errors.
func mapReadError(id fileid.ID, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return blob.ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return blob.ErrNotFound
		case "InvalidRange":
			return blob.ErrInvalidRange
		}
	}
	return fmt.Errorf("s3store: getting %s: %w", id, err)
}

// isNotFound reports whether err is an S3 404 (HeadObject returns the
// generic NotFound rather than NoSuchKey).
func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}
