package boltdb

import (
	"context"
	"errors"
	"io"
	"path"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"github.com/fairmail/fairmail/exchange"
	excherrors "github.com/fairmail/fairmail/exchange/errors"
	"github.com/fairmail/fairmail/log"
)

// BoltStore implements the Store interface using the kv storage boltdb
// (native golang implementation). Internally, entries are stored
// JSON-encoded in the db file, keyed by their pid bytes.
//
//nolint:gocritic// We do want to have a mutex here
type BoltStore struct {
	sync.Mutex
	db *bolt.DB

	log log.Logger
}

var entryBucket = []byte("entries")

// BoltFileName is the name of the file boltdb writes to
const BoltFileName = "fairmail.db"

// BoltStoreOpenPerm is the permission we will use to read bolt store file from disk
const BoltStoreOpenPerm = 0660

// NewBoltStore returns a Store implementation using the boltdb storage engine.
func NewBoltStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (exchange.Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	// create the bucket already
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entryBucket)
		return err
	})

	return &BoltStore{
		log: l,
		db:  db,
	}, err
}

// Create registers the entry under its pid. The existence check and the
// write share one transaction, so concurrent creates of the same pid cannot
// both win.
func (b *BoltStore) Create(ctx context.Context, e *exchange.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	buff, err := e.Marshal()
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entryBucket)
		if bucket.Get(e.PID.Bytes()) != nil {
			return excherrors.ErrEntryExists
		}
		err := bucket.Put(e.PID.Bytes(), buff)
		if err != nil {
			b.log.Debugw("storing entry", "pid", e.PID, "err", err)
		}
		return err
	})
}

// Get returns the entry saved under this pid.
func (b *BoltStore) Get(ctx context.Context, pid common.Hash) (*exchange.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entry := &exchange.Entry{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entryBucket)
		v := bucket.Get(pid.Bytes())
		if v == nil {
			return excherrors.ErrEntryNotFound
		}
		return entry.Unmarshal(v)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Mutate applies fn to the stored entry inside a single write transaction.
// Any error out of fn aborts the transaction, leaving the entry untouched.
func (b *BoltStore) Mutate(ctx context.Context, pid common.Hash, fn func(*exchange.Entry) error) (*exchange.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entry := &exchange.Entry{}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entryBucket)
		v := bucket.Get(pid.Bytes())
		if v == nil {
			return excherrors.ErrEntryNotFound
		}
		if err := entry.Unmarshal(v); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
		buff, err := entry.Marshal()
		if err != nil {
			return err
		}
		return bucket.Put(pid.Bytes(), buff)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Len performs a big scan over the bucket and is _very_ slow - use sparingly!
func (b *BoltStore) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var length = 0
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entryBucket)
		// this `.Stats()` call is the particularly expensive one!
		length = bucket.Stats().KeyN
		return nil
	})
	if err != nil {
		b.log.Warnw("", "boltdb", "error getting length", "err", err)
	}
	return length, err
}

func (b *BoltStore) Cursor(ctx context.Context, fn func(context.Context, exchange.Cursor) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entryBucket)
		c := bucket.Cursor()
		return fn(ctx, &boltCursor{Cursor: c})
	})
	if err != nil {
		// ErrEntryNotFound doubles as the end-of-iteration flag, so it is
		// not worth reporting here.
		if !errors.Is(err, excherrors.ErrEntryNotFound) {
			b.log.Errorw("", "boltdb", "error getting cursor", "err", err)
		}
	}
	return err
}

// SaveTo saves the bolt database to an alternate file.
func (b *BoltStore) SaveTo(ctx context.Context, w io.Writer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

func (b *BoltStore) Close() error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("", "boltdb", "close", "err", err)
	}
	return err
}

type boltCursor struct {
	*bolt.Cursor
}

func (c *boltCursor) First(ctx context.Context) (*exchange.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	k, v := c.Cursor.First()
	if k == nil {
		return nil, excherrors.ErrEntryNotFound
	}
	e := &exchange.Entry{}
	err := e.Unmarshal(v)
	return e, err
}

// Next returns the next entry in the database for the given cursor. When
// reaching the end of the database, it emits ErrEntryNotFound to flag that
// it finished the iteration.
func (c *boltCursor) Next(ctx context.Context) (*exchange.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	k, v := c.Cursor.Next()
	if k == nil {
		return nil, excherrors.ErrEntryNotFound
	}
	e := &exchange.Entry{}
	err := e.Unmarshal(v)
	return e, err
}
