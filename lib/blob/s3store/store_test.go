// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/blobvault/uploader/lib/blob"
	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/httprange"
)

// fakeS3 is an in-memory implementation of the api slice this store
// uses, sufficient to exercise the upload, read, and purge paths.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart map[string]*fakeUpload
	nextID    int
}

type fakeUpload struct {
	key       string
	parts     map[int32][]byte
	initiated time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:   make(map[string][]byte),
		multipart: make(map[string]*fakeUpload),
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.Range != nil {
		span, err := httprange.ParseRange(aws.ToString(in.Range))
		if err != nil || span.End >= uint64(len(data)) {
			return nil, &smithy.GenericAPIError{Code: "InvalidRange"}
		}
		data = data[span.Start : span.End+1]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, object := range in.Delete.Objects {
		delete(f.objects, aws.ToString(object.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var contents []types.Object
	for key := range f.objects {
		contents = append(contents, types.Object{Key: aws.String(key)})
	}
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	uploadID := fmt.Sprintf("upload-%d", f.nextID)
	f.multipart[uploadID] = &fakeUpload{
		key:       aws.ToString(in.Key),
		parts:     make(map[int32][]byte),
		initiated: time.Now(),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(uploadID)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	// The real SDK refuses to start a call on a dead context.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	upload, ok := f.multipart[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	number := aws.ToInt32(in.PartNumber)
	upload.parts[number] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", number))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upload, ok := f.multipart[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	var assembled []byte
	for _, part := range in.MultipartUpload.Parts {
		data, ok := upload.parts[aws.ToInt32(part.PartNumber)]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart"}
		}
		assembled = append(assembled, data...)
	}
	f.objects[upload.key] = assembled
	delete(f.multipart, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.multipart, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var uploads []types.MultipartUpload
	for uploadID, upload := range f.multipart {
		uploads = append(uploads, types.MultipartUpload{
			Key:       aws.String(upload.key),
			UploadId:  aws.String(uploadID),
			Initiated: aws.Time(upload.initiated),
		})
	}
	return &s3.ListMultipartUploadsOutput{Uploads: uploads}, nil
}

func openTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	return newStore(fake, "test-bucket", nil), fake
}

func TestStreamingSmallObject(t *testing.T) {
	store, fake := openTestStore(t)
	ctx := context.Background()
	payload := []byte("small payload")

	session, err := store.Create(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := session.Write(payload); err != nil {
		t.Fatal(err)
	}
	result, err := session.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !result.Promoted || result.Bytes != int64(len(payload)) || len(result.Checksum) == 0 {
		t.Errorf("Result = %+v", result)
	}

	// Small payloads take the single-PutObject path.
	if len(fake.multipart) != 0 {
		t.Error("small object should not use multipart")
	}

	size, err := store.Size(ctx, 1)
	if err != nil || size != uint64(len(payload)) {
		t.Errorf("Size = %d, %v", size, err)
	}
}

func TestStreamingMultipartObject(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("m"), streamPartSize+4096)

	session, err := store.Create(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	// Feed in uneven pieces to cross the part boundary mid-write.
	for offset := 0; offset < len(payload); offset += 1 << 20 {
		end := min(offset+1<<20, len(payload))
		if _, err := session.Write(payload[offset:end]); err != nil {
			t.Fatal(err)
		}
	}
	result, err := session.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Bytes != int64(len(payload)) {
		t.Errorf("Bytes = %d, want %d", result.Bytes, len(payload))
	}

	reader, err := store.ReadRange(ctx, 2, httprange.Range{Start: 0, End: uint64(len(payload)) - 1})
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	got, _ := io.ReadAll(reader)
	if !bytes.Equal(got, payload) {
		t.Error("multipart payload corrupted in assembly")
	}
}

func TestStreamingWriteStopsOnCancelledContext(t *testing.T) {
	store, fake := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	session, err := store.Create(ctx, 40)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Abort()

	// The first part flushes normally.
	if _, err := session.Write(bytes.Repeat([]byte("a"), streamPartSize)); err != nil {
		t.Fatalf("Write before cancel: %v", err)
	}

	// After cancellation, the next flush must fail instead of pushing
	// another part.
	cancel()
	_, err = session.Write(bytes.Repeat([]byte("b"), streamPartSize))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Write after cancel = %v, want context.Canceled", err)
	}

	session.Abort()
	if len(fake.multipart) != 0 {
		t.Error("cancelled upload left multipart state behind")
	}
	if len(fake.objects) != 0 {
		t.Error("cancelled upload became visible")
	}
}

func TestChunkedUploadPromotion(t *testing.T) {
	store, fake := openTestStore(t)
	ctx := context.Background()

	// 12 MiB in the small tier: two 5 MiB parts plus a 2 MiB tail.
	total := uint64(12 * MiB)
	payload := bytes.Repeat([]byte("c"), int(total))
	spans := []httprange.ContentRange{
		{Start: 0, End: 5*MiB - 1, Total: total, HasTotal: true},
		{Start: 5 * MiB, End: 10*MiB - 1, Total: total, HasTotal: true},
		{Start: 10 * MiB, End: total - 1, Total: total, HasTotal: true},
	}

	for i, span := range spans {
		session, err := store.CreateChunk(ctx, 3, span)
		if err != nil {
			t.Fatalf("CreateChunk %d: %v", i, err)
		}
		if _, err := session.Write(payload[span.Start : span.End+1]); err != nil {
			t.Fatal(err)
		}
		result, err := session.Commit(ctx)
		if err != nil {
			t.Fatalf("Commit chunk %d: %v", i, err)
		}
		wantPromoted := i == len(spans)-1
		if result.Promoted != wantPromoted {
			t.Errorf("chunk %d Promoted = %v, want %v", i, result.Promoted, wantPromoted)
		}

		if !wantPromoted {
			// Size falls back to staged bytes before promotion.
			size, err := store.Size(ctx, 3)
			if err != nil || size != span.End+1 {
				t.Errorf("staged Size after chunk %d = %d, %v", i, size, err)
			}
		}
	}

	if !bytes.Equal(fake.objects[fileid.ID(3).String()], payload) {
		t.Error("assembled object does not match payload")
	}
	if len(fake.multipart) != 0 {
		t.Error("multipart state not cleaned up after promotion")
	}
}

func TestChunkRejectsUnalignedSpan(t *testing.T) {
	store, _ := openTestStore(t)
	span := httprange.ContentRange{Start: 100, End: 5*MiB + 99, Total: 12 * MiB, HasTotal: true}
	if _, err := store.CreateChunk(context.Background(), 4, span); err == nil {
		t.Fatal("unaligned chunk should be rejected")
	}
}

func TestChunkRequiresTotal(t *testing.T) {
	store, _ := openTestStore(t)
	span := httprange.ContentRange{Start: 0, End: 5*MiB - 1}
	if _, err := store.CreateChunk(context.Background(), 5, span); err == nil {
		t.Fatal("chunk without declared total should be rejected")
	}
}

func TestReadRangeErrors(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.ReadRange(ctx, 404, httprange.Range{Start: 0, End: 0}); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("missing blob = %v, want ErrNotFound", err)
	}

	session, _ := store.Create(ctx, 6)
	session.Write([]byte("ten bytes."))
	if _, err := session.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReadRange(ctx, 6, httprange.Range{Start: 5, End: 100}); !errors.Is(err, blob.ErrInvalidRange) {
		t.Errorf("out-of-bounds range = %v, want ErrInvalidRange", err)
	}
}

func TestRemove(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	session, _ := store.Create(ctx, 7)
	session.Write([]byte("doomed"))
	if _, err := session.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := store.Remove(ctx, 7); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Size(ctx, 7); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Size after Remove = %v, want ErrNotFound", err)
	}
	if err := store.Remove(ctx, 7); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestRemoveAbortsStagedUpload(t *testing.T) {
	store, fake := openTestStore(t)
	ctx := context.Background()

	span := httprange.ContentRange{Start: 0, End: 5*MiB - 1, Total: 12 * MiB, HasTotal: true}
	session, err := store.CreateChunk(ctx, 8, span)
	if err != nil {
		t.Fatal(err)
	}
	session.Write(bytes.Repeat([]byte("s"), 5*MiB))
	if _, err := session.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := store.Remove(ctx, 8); err != nil {
		t.Fatalf("Remove of staged upload: %v", err)
	}
	if len(fake.multipart) != 0 {
		t.Error("staged multipart not aborted by Remove")
	}
}

func TestPurgeAll(t *testing.T) {
	store, fake := openTestStore(t)
	ctx := context.Background()

	for id := fileid.ID(10); id < 13; id++ {
		session, _ := store.Create(ctx, id)
		session.Write([]byte("x"))
		if _, err := session.Commit(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// One in-flight multipart upload.
	span := httprange.ContentRange{Start: 0, End: 5*MiB - 1, Total: 12 * MiB, HasTotal: true}
	session, err := store.CreateChunk(ctx, 20, span)
	if err != nil {
		t.Fatal(err)
	}
	session.Write(bytes.Repeat([]byte("p"), 5*MiB))
	if _, err := session.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	removed, err := store.PurgeAll(ctx)
	if err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if removed != 3 {
		t.Errorf("PurgeAll removed %d objects, want 3", removed)
	}
	if len(fake.objects) != 0 || len(fake.multipart) != 0 {
		t.Errorf("bucket not empty: %d objects, %d uploads", len(fake.objects), len(fake.multipart))
	}
}

func TestPurgeStale(t *testing.T) {
	store, fake := openTestStore(t)
	ctx := context.Background()

	span := httprange.ContentRange{Start: 0, End: 5*MiB - 1, Total: 12 * MiB, HasTotal: true}
	session, err := store.CreateChunk(ctx, 21, span)
	if err != nil {
		t.Fatal(err)
	}
	session.Write(bytes.Repeat([]byte("q"), 5*MiB))
	if _, err := session.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// Not stale yet.
	aborted, err := store.PurgeStale(ctx, time.Now().Add(-time.Hour))
	if err != nil || aborted != 0 {
		t.Errorf("fresh upload purged: %d, %v", aborted, err)
	}

	// Age the upload, then sweep.
	for _, upload := range fake.multipart {
		upload.initiated = time.Now().Add(-48 * time.Hour)
	}
	aborted, err = store.PurgeStale(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeStale: %v", err)
	}
	if aborted != 1 {
		t.Errorf("PurgeStale aborted %d, want 1", aborted)
	}
	if len(fake.multipart) != 0 {
		t.Error("stale multipart survived the sweep")
	}
}

func TestCount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	count, err := store.Count(ctx)
	if err != nil || count != 0 {
		t.Errorf("empty Count = %d, %v", count, err)
	}
	session, _ := store.Create(ctx, 30)
	session.Write([]byte("x"))
	if _, err := session.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	count, err = store.Count(ctx)
	if err != nil || count != 1 {
		t.Errorf("Count = %d, %v, want 1", count, err)
	}
}
