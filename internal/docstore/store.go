// Package docstore is the multi-master document store the rest of leafsync is
// built on. It keeps a revision tree per document, reports conflicts, exposes
// an ordered changes feed and accepts replicated revisions verbatim, following
// CouchDB replication semantics.
package docstore

import (
	"context"
	"encoding/json"
)

// Doc is one revision of a replicated document.
type Doc struct {
	ID      string
	Rev     string
	Deleted bool
	Body    json.RawMessage

	// Revisions is the revision history, newest first. GetRev fills it;
	// BulkPut with NewEdits=false requires it (Revisions[0] == Rev).
	Revisions []string

	// Seq is the local sequence of the document's last change. Read only.
	Seq uint64
}

// LocalDoc is a non-replicated document with "0-N" revisions.
type LocalDoc struct {
	ID   string
	Rev  string
	Body json.RawMessage
}

// Change is one row of the changes feed.
type Change struct {
	Seq     uint64
	ID      string
	Deleted bool     // winning revision is deleted
	Revs    []string // leaf revisions
}

// ChangesOptions selects a page of the changes feed.
type ChangesOptions struct {
	Since uint64
	Limit int // 0 = unlimited
}

// ChangesResult is a page of the changes feed.
type ChangesResult struct {
	Results []Change
	LastSeq uint64
	Pending int // changes after this page
}

// Row is one row of AllDocs.
type Row struct {
	ID      string
	Rev     string // winning revision
	Deleted bool
	Seq     uint64
}

// AllDocsOptions selects an id range. EndKey is inclusive; empty means open.
type AllDocsOptions struct {
	StartKey       string
	EndKey         string
	IncludeDeleted bool
	Limit          int
}

// BulkOptions controls BulkPut.
type BulkOptions struct {
	// NewEdits=false stores the given revisions as-is (replication writes).
	NewEdits bool
}

// BulkResult is the per-document outcome of BulkPut.
type BulkResult struct {
	ID  string
	Rev string
	Err error
}

// LeafRev is a leaf of a revision tree.
type LeafRev struct {
	Rev     string
	Deleted bool
}

// RevInfo describes a document's revision tree.
type RevInfo struct {
	Winner        string
	WinnerDeleted bool
	Conflicts     []string // non-deleted leaves other than the winner
	Leaves        []LeafRev
}

// Info summarises a store.
type Info struct {
	UpdateSeq uint64
	DocCount  int
}

// Store is the replication store capability used by the core.
type Store interface {
	// Get returns the winning revision. ErrNotFound if absent or deleted.
	Get(ctx context.Context, id string) (*Doc, error)
	// GetRev returns a specific revision with its history.
	GetRev(ctx context.Context, id, rev string) (*Doc, error)
	// Put writes a new revision on top of doc.Rev, which must be a leaf
	// (or empty for new or deleted documents). ErrConflict otherwise.
	Put(ctx context.Context, doc *Doc) (string, error)
	// Remove appends a deletion to the branch ending in rev.
	Remove(ctx context.Context, id, rev string) (string, error)
	// Purge drops every revision of id without recording a deletion, so
	// nothing replicates. ErrConflict if rev is no longer the winner.
	Purge(ctx context.Context, id, rev string) error
	// BulkPut writes many documents; one failure never aborts the rest.
	BulkPut(ctx context.Context, docs []*Doc, opts BulkOptions) ([]BulkResult, error)
	// AllDocs lists documents in id order.
	AllDocs(ctx context.Context, opts AllDocsOptions) ([]Row, error)
	// Changes returns changes after opts.Since in sequence order.
	Changes(ctx context.Context, opts ChangesOptions) (*ChangesResult, error)
	// Subscribe delivers live changes until the cancel func is called.
	Subscribe() (<-chan Change, func())
	// RevsDiff returns the revisions the store does not have.
	RevsDiff(ctx context.Context, id string, revs []string) ([]string, error)
	// Revisions returns the revision tree summary of id.
	Revisions(ctx context.Context, id string) (*RevInfo, error)

	GetLocal(ctx context.Context, id string) (*LocalDoc, error)
	// PutLocal writes a local document; doc.Rev must match the stored one.
	PutLocal(ctx context.Context, doc *LocalDoc) (string, error)
	DeleteLocal(ctx context.Context, id, rev string) error

	Info(ctx context.Context) (*Info, error)
	Close() error
}
