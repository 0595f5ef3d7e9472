// Package badgerdb implements the entry store over badger through the
// go-datastore abstraction. It trades boltdb's single write lock for
// badger's concurrent transactions.
package badgerdb

import (
	"context"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger "github.com/ipfs/go-ds-badger2"

	"github.com/fairmail/fairmail/exchange"
	excherrors "github.com/fairmail/fairmail/exchange/errors"
	"github.com/fairmail/fairmail/log"
)

// BadgerStore implements the Store interface using the badger storage
// engine. Entries are stored JSON-encoded under /entries/<hex pid>.
type BadgerStore struct {
	ds *badger.Datastore

	log log.Logger
}

const entryPrefix = "/entries"

// NewBadgerStore returns a Store implementation using the badger storage engine.
func NewBadgerStore(ctx context.Context, l log.Logger, folder string) (exchange.Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ds, err := badger.NewDatastore(folder, &badger.DefaultOptions)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		ds:  ds,
		log: l,
	}, nil
}

func entryKey(pid common.Hash) datastore.Key {
	return datastore.NewKey(entryPrefix + "/" + pid.Hex())
}

func (b *BadgerStore) Create(ctx context.Context, e *exchange.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	buff, err := e.Marshal()
	if err != nil {
		return err
	}

	txn, err := b.ds.NewTransaction(ctx, false)
	if err != nil {
		return err
	}
	defer txn.Discard(ctx)

	k := entryKey(e.PID)
	has, err := txn.Has(ctx, k)
	if err != nil {
		return err
	}
	if has {
		return excherrors.ErrEntryExists
	}
	if err := txn.Put(ctx, k, buff); err != nil {
		return err
	}
	return txn.Commit(ctx)
}

func (b *BadgerStore) Get(ctx context.Context, pid common.Hash) (*exchange.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	v, err := b.ds.Get(ctx, entryKey(pid))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, excherrors.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	entry := &exchange.Entry{}
	if err := entry.Unmarshal(v); err != nil {
		return nil, err
	}
	return entry, nil
}

// Mutate applies fn inside one badger transaction. A conflicting concurrent
// write or an error from fn discards the transaction.
func (b *BadgerStore) Mutate(ctx context.Context, pid common.Hash, fn func(*exchange.Entry) error) (*exchange.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	txn, err := b.ds.NewTransaction(ctx, false)
	if err != nil {
		return nil, err
	}
	defer txn.Discard(ctx)

	k := entryKey(pid)
	v, err := txn.Get(ctx, k)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, excherrors.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	entry := &exchange.Entry{}
	if err := entry.Unmarshal(v); err != nil {
		return nil, err
	}
	if err := fn(entry); err != nil {
		return nil, err
	}
	buff, err := entry.Marshal()
	if err != nil {
		return nil, err
	}
	if err := txn.Put(ctx, k, buff); err != nil {
		return nil, err
	}
	if err := txn.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// Len scans the whole keyspace - use sparingly!
func (b *BadgerStore) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	res, err := b.ds.Query(ctx, query.Query{Prefix: entryPrefix, KeysOnly: true})
	if err != nil {
		return 0, err
	}
	defer res.Close()

	length := 0
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return 0, r.Error
		}
		length++
	}
	return length, nil
}

func (b *BadgerStore) Cursor(ctx context.Context, fn func(context.Context, exchange.Cursor) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c := &badgerCursor{store: b}
	defer c.close()
	err := fn(ctx, c)
	if err != nil && !errors.Is(err, excherrors.ErrEntryNotFound) {
		b.log.Errorw("", "badgerdb", "error during cursor", "err", err)
	}
	return err
}

// SaveTo streams a badger backup of the whole database to w.
func (b *BadgerStore) SaveTo(ctx context.Context, w io.Writer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	_, err := b.ds.DB.Backup(w, 0)
	return err
}

func (b *BadgerStore) Close() error {
	err := b.ds.Close()
	if err != nil {
		b.log.Errorw("", "badgerdb", "close", "err", err)
	}
	return err
}

type badgerCursor struct {
	store *BadgerStore
	res   query.Results
}

func (c *badgerCursor) close() {
	if c.res != nil {
		c.res.Close()
		c.res = nil
	}
}

func (c *badgerCursor) First(ctx context.Context) (*exchange.Entry, error) {
	c.close()
	res, err := c.store.ds.Query(ctx, query.Query{
		Prefix: entryPrefix,
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, err
	}
	c.res = res
	return c.Next(ctx)
}

// Next returns the next entry, flagging the end of the iteration with
// ErrEntryNotFound like the other backends.
func (c *badgerCursor) Next(ctx context.Context) (*exchange.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if c.res == nil {
		return nil, excherrors.ErrEntryNotFound
	}
	r, ok := c.res.NextSync()
	if !ok {
		return nil, excherrors.ErrEntryNotFound
	}
	if r.Error != nil {
		return nil, r.Error
	}
	e := &exchange.Entry{}
	if err := e.Unmarshal(r.Value); err != nil {
		return nil, err
	}
	return e, nil
}
