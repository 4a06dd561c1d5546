// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

// Package node stores the client-visible node tree: small encrypted
// records arranged in a parent/child hierarchy, indexed in SQLite next
// to the blob store. Node content is opaque to the server; clients
// encrypt before uploading.
package node

import (
	"errors"

	"github.com/blobvault/uploader/lib/fileid"
)

// NoParent is the sentinel parent ID for root nodes.
const NoParent = fileid.ID(^uint64(0))

var (
	// ErrNotFound is returned when the referenced node does not exist.
	ErrNotFound = errors.New("node: not found")

	// ErrNotAllowed is returned when a move would create a cycle:
	// a node cannot become a descendant of itself.
	ErrNotAllowed = errors.New("node: move not allowed")
)

// Locked is a node record as stored. Content is an opaque ciphertext
// blob; the server never inspects it.
type Locked struct {
	ID       fileid.ID `json:"id"`
	ParentID fileid.ID `json:"parent_id"`
	Content  []byte    `json:"content"`

	// Dirty marks nodes whose content has changed since the client
	// last reconciled. Round-tripped for the client's benefit.
	Dirty bool `json:"dirty"`
}

// IsRoot reports whether the node has no parent.
func (n Locked) IsRoot() bool { return n.ParentID == NoParent }
