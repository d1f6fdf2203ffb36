package storage

import "context"

// Entry is one row of a range read.
type Entry struct {
	Key     Key     `json:"key"`
	Version Version `json:"version"`
}

// Engine is the transactional contract shared by the local store, the
// replication coordinator and remote nodes reached over HTTP. The transaction
// is named by its id on every call; it is created on first use.
type Engine interface {
	// NewTransaction registers id. Calling it for a pending id is a no-op.
	NewTransaction(ctx context.Context, id TxnID) error

	// Read returns the version of key visible at id's timestamp.
	Read(ctx context.Context, id TxnID, key Key) (Version, error)

	// RangeRead returns every visible row whose key lies in prefix's range,
	// in key order. Tombstoned keys are omitted.
	RangeRead(ctx context.Context, id TxnID, prefix Key) ([]Entry, error)

	// Write stages value for key. Deleted removes the key.
	Write(ctx context.Context, id TxnID, key Key, value Value) error

	Commit(ctx context.Context, id TxnID) error
	Abort(ctx context.Context, id TxnID) error
}
