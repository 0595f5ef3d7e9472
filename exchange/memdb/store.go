// Package memdb keeps the full entry set in process memory. It backs tests
// and ephemeral daemons; nothing survives a restart.
package memdb

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/nikkolasg/hexjson"

	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/exchange/errors"
)

// Store implements exchange.Store over a map guarded by a RWMutex.
type Store struct {
	storeMtx *sync.RWMutex
	store    map[common.Hash]*exchange.Entry
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		storeMtx: &sync.RWMutex{},
		store:    make(map[common.Hash]*exchange.Entry),
	}
}

func (m *Store) Len(_ context.Context) (int, error) {
	m.storeMtx.RLock()
	defer m.storeMtx.RUnlock()

	return len(m.store), nil
}

func (m *Store) Create(_ context.Context, e *exchange.Entry) error {
	m.storeMtx.Lock()
	defer m.storeMtx.Unlock()

	if _, ok := m.store[e.PID]; ok {
		return errors.ErrEntryExists
	}
	m.store[e.PID] = e.Clone()
	return nil
}

func (m *Store) Get(_ context.Context, pid common.Hash) (*exchange.Entry, error) {
	m.storeMtx.RLock()
	defer m.storeMtx.RUnlock()

	e, ok := m.store[pid]
	if !ok {
		return nil, errors.ErrEntryNotFound
	}
	return e.Clone(), nil
}

// Mutate applies fn to a copy of the stored entry and only commits the copy
// when fn succeeds, mirroring the transactional backends.
func (m *Store) Mutate(_ context.Context, pid common.Hash, fn func(*exchange.Entry) error) (*exchange.Entry, error) {
	m.storeMtx.Lock()
	defer m.storeMtx.Unlock()

	e, ok := m.store[pid]
	if !ok {
		return nil, errors.ErrEntryNotFound
	}
	mutated := e.Clone()
	if err := fn(mutated); err != nil {
		return nil, err
	}
	m.store[pid] = mutated
	return mutated.Clone(), nil
}

func (m *Store) Cursor(ctx context.Context, f func(context.Context, exchange.Cursor) error) error {
	cursor := &memDBCursor{
		s: m,
	}
	return f(ctx, cursor)
}

// SaveTo writes all entries as one JSON array, in pid order.
func (m *Store) SaveTo(_ context.Context, w io.Writer) error {
	m.storeMtx.RLock()
	entries := m.sorted()
	m.storeMtx.RUnlock()

	buff, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = w.Write(buff)
	return err
}

// Close is a noop
func (m *Store) Close() error {
	return nil
}

// sorted returns the entries in pid byte order. Callers hold the lock.
func (m *Store) sorted() []*exchange.Entry {
	entries := make([]*exchange.Entry, 0, len(m.store))
	for _, e := range m.store {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].PID.Bytes(), entries[j].PID.Bytes()) < 0
	})
	return entries
}

type memDBCursor struct {
	s   *Store
	pos int
}

func (m *memDBCursor) First(_ context.Context) (*exchange.Entry, error) {
	m.s.storeMtx.RLock()
	defer m.s.storeMtx.RUnlock()

	entries := m.s.sorted()
	if len(entries) == 0 {
		return nil, errors.ErrEntryNotFound
	}

	m.pos = 0
	return entries[m.pos].Clone(), nil
}

func (m *memDBCursor) Next(_ context.Context) (*exchange.Entry, error) {
	m.s.storeMtx.RLock()
	defer m.s.storeMtx.RUnlock()

	entries := m.s.sorted()
	m.pos++
	if m.pos >= len(entries) {
		return nil, errors.ErrEntryNotFound
	}

	return entries[m.pos].Clone(), nil
}
