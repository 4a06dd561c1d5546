// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package node_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/blobvault/uploader/lib/fileid"
	"github.com/blobvault/uploader/lib/node"
)

func openTestStore(t *testing.T) *node.Store {
	t.Helper()
	store, err := node.Open(filepath.Join(t.TempDir(), "nodes.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestPutAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want := node.Locked{
		ID:       1,
		ParentID: node.NoParent,
		Content:  []byte("ciphertext"),
		Dirty:    true,
	}
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != want.ID || got.ParentID != want.ParentID ||
		!bytes.Equal(got.Content, want.Content) || got.Dirty != want.Dirty {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
	if !got.IsRoot() {
		t.Error("node with NoParent should be root")
	}
}

func TestPutReplacesExisting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	original := node.Locked{ID: 7, ParentID: node.NoParent, Content: []byte("v1")}
	if err := store.Put(ctx, original); err != nil {
		t.Fatal(err)
	}

	updated := node.Locked{ID: 7, ParentID: node.NoParent, Content: []byte("v2"), Dirty: true}
	if err := store.Put(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Content) != "v2" || !got.Dirty {
		t.Errorf("Put did not replace: %+v", got)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), 404); !errors.Is(err, node.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestMaxIDRoundTrip(t *testing.T) {
	// IDs are bit-cast to SQLite's signed integers; the NoParent
	// sentinel (all bits set) must survive the round trip.
	store := openTestStore(t)
	ctx := context.Background()

	huge := fileid.ID(^uint64(0) - 1)
	if err := store.Put(ctx, node.Locked{ID: huge, ParentID: node.NoParent, Content: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, huge)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != huge || got.ParentID != node.NoParent {
		t.Errorf("round trip: got id=%d parent=%d", got.ID, got.ParentID)
	}
}

func TestList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 3; i >= 1; i-- {
		err := store.Put(ctx, node.Locked{
			ID:       fileid.ID(i),
			ParentID: node.NoParent,
			Content:  []byte{byte(i)},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	nodes, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("List returned %d nodes, want 3", len(nodes))
	}
	for i, n := range nodes {
		if n.ID != fileid.ID(i+1) {
			t.Errorf("List[%d].ID = %d, want %d (ordered by id)", i, n.ID, i+1)
		}
	}
}

// buildTree creates:
//
//	1 (root)
//	├── 2
//	│   └── 4
//	└── 3
//	5 (root)
func buildTree(t *testing.T, store *node.Store) {
	t.Helper()
	ctx := context.Background()
	records := []node.Locked{
		{ID: 1, ParentID: node.NoParent},
		{ID: 2, ParentID: 1},
		{ID: 3, ParentID: 1},
		{ID: 4, ParentID: 2},
		{ID: 5, ParentID: node.NoParent},
	}
	for _, record := range records {
		record.Content = []byte("n")
		if err := store.Put(ctx, record); err != nil {
			t.Fatalf("Put %d: %v", record.ID, err)
		}
	}
}

func TestDeleteRecursive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buildTree(t, store)

	deleted, err := store.Delete(ctx, 2)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got := make([]uint64, len(deleted))
	for i, id := range deleted {
		got[i] = uint64(id)
	}
	slices.Sort(got)
	if !slices.Equal(got, []uint64{2, 4}) {
		t.Errorf("deleted = %v, want [2 4]", got)
	}

	if _, err := store.Get(ctx, 4); !errors.Is(err, node.ErrNotFound) {
		t.Errorf("descendant 4 still present: %v", err)
	}
	if _, err := store.Get(ctx, 3); err != nil {
		t.Errorf("sibling 3 should survive: %v", err)
	}
	count, _ := store.Count(ctx)
	if count != 3 {
		t.Errorf("Count = %d, want 3", count)
	}
}

func TestDeleteWholeRoot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buildTree(t, store)

	deleted, err := store.Delete(ctx, 1)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deleted) != 4 {
		t.Errorf("deleted %d nodes, want 4", len(deleted))
	}
	// The unrelated root survives.
	if _, err := store.Get(ctx, 5); err != nil {
		t.Errorf("unrelated root should survive: %v", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Delete(context.Background(), 404); !errors.Is(err, node.ErrNotFound) {
		t.Errorf("Delete missing = %v, want ErrNotFound", err)
	}
}

func TestMove(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buildTree(t, store)

	// Move 3 under 2.
	if err := store.Move(ctx, 3, 2); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := store.Get(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParentID != 2 {
		t.Errorf("ParentID = %d, want 2", got.ParentID)
	}

	// Move 4 to the top level.
	if err := store.Move(ctx, 4, node.NoParent); err != nil {
		t.Fatalf("Move to root: %v", err)
	}
	got, err = store.Get(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsRoot() {
		t.Errorf("node 4 should be root after move, parent=%d", got.ParentID)
	}
}

func TestMoveCycleRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buildTree(t, store)

	// 4 is a grandchild of 1: moving 1 under 4 would create a cycle.
	if err := store.Move(ctx, 1, 4); !errors.Is(err, node.ErrNotAllowed) {
		t.Errorf("Move under descendant = %v, want ErrNotAllowed", err)
	}
	// Moving a node under itself is the degenerate cycle.
	if err := store.Move(ctx, 2, 2); !errors.Is(err, node.ErrNotAllowed) {
		t.Errorf("Move under self = %v, want ErrNotAllowed", err)
	}
	// The tree is unchanged.
	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsRoot() {
		t.Errorf("node 1 moved despite rejection: parent=%d", got.ParentID)
	}
}

func TestMoveMissing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buildTree(t, store)

	if err := store.Move(ctx, 404, 1); !errors.Is(err, node.ErrNotFound) {
		t.Errorf("Move missing node = %v, want ErrNotFound", err)
	}
	if err := store.Move(ctx, 2, 404); !errors.Is(err, node.ErrNotFound) {
		t.Errorf("Move under missing parent = %v, want ErrNotFound", err)
	}
}

func TestPurge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buildTree(t, store)

	purged, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 5 {
		t.Errorf("Purge removed %d, want 5", purged)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Count after purge = %d, want 0", count)
	}
}
