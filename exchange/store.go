package exchange

import (
	"context"
	"io"

	"github.com/ethereum/go-ethereum/common"
)

// store contains the definitions of the logic that persists and loads
// exchange entries. Every mutation of a stored entry funnels through
// Store.Mutate so a backend can make the read-check-write cycle atomic.

// StorageType defines the backend a store runs on.
type StorageType string

const (
	// BoltDB is the default file-backed storage engine.
	BoltDB StorageType = "bolt"
	// BadgerDB is the alternative file-backed storage engine.
	BadgerDB StorageType = "badger"
	// MemDB keeps entries in process memory only.
	MemDB StorageType = "memdb"
)

// Store is an interface to store exchange entries where they can also be
// retrieved, audited and transitioned.
type Store interface {
	// Create registers a new entry under its pid. It fails with
	// ErrEntryExists when the pid is already taken; when callers race, at
	// most one create wins.
	Create(ctx context.Context, e *Entry) error
	// Get returns the entry stored under pid, or ErrEntryNotFound. A
	// missing entry is always signalled, never returned as a zero value.
	Get(ctx context.Context, pid common.Hash) (*Entry, error)
	// Mutate loads the entry under pid, applies fn to it and persists the
	// result, all within one transaction. An error from fn aborts the
	// transaction with no observable write and is returned as is. The
	// mutated entry is returned on success.
	Mutate(ctx context.Context, pid common.Hash, fn func(*Entry) error) (*Entry, error)
	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)
	// Cursor opens a read cursor over all entries in pid byte order.
	Cursor(ctx context.Context, fn func(context.Context, Cursor) error) error
	// SaveTo streams a consistent snapshot of the database to w.
	SaveTo(ctx context.Context, w io.Writer) error
	Close() error
}

// Cursor iterates over stored entries in pid byte order. First rewinds and
// returns the first entry; Next advances. Both flag the end of the database
// with ErrEntryNotFound.
//
//	for e, err := c.First(ctx); err == nil; e, err = c.Next(ctx) {
//	    ...
//	}
type Cursor interface {
	First(ctx context.Context) (*Entry, error)
	Next(ctx context.Context) (*Entry, error)
}
