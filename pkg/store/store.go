// Package store provides the durable key-value interface used for
// Raft's persistent term/vote state, queue message persistence, and
// cache-line durability, backed by dgraph-io/badger.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("store: not found")

// Iterator walks keys under a scanned prefix in lexicographic order.
type Iterator interface {
	Next() bool
	Key() string
	Value() ([]byte, error)
	Close()
}

// Store is the durable put/get/delete/scan interface spec.md §6 describes.
type Store interface {
	Put(key string, val []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Scan(prefix string) (Iterator, error)
	Close() error
}

// BadgerStore implements Store on top of an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// Open opens (creating if necessary) a badger database rooted at dir.
func Open(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(key string, val []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), val)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Scan(prefix string) (Iterator, error) {
	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	it.Seek([]byte(prefix))
	return &badgerIterator{txn: txn, it: it, prefix: []byte(prefix), started: false}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

type badgerIterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	prefix  []byte
	started bool
}

func (i *badgerIterator) Next() bool {
	if !i.started {
		i.started = true
	} else {
		i.it.Next()
	}
	return i.it.ValidForPrefix(i.prefix)
}

func (i *badgerIterator) Key() string {
	return string(i.it.Item().KeyCopy(nil))
}

func (i *badgerIterator) Value() ([]byte, error) {
	return i.it.Item().ValueCopy(nil)
}

func (i *badgerIterator) Close() {
	i.it.Close()
	i.txn.Discard()
}

// MemoryStore is an in-process Store used by tests, avoiding a badger
// dependency in the hot path of unit tests that don't care about
// durability.
type MemoryStore struct {
	data map[string]memEntry
}

type memEntry struct {
	val     []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memEntry)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Put(key string, val []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.data[key] = memEntry{val: append([]byte(nil), val...), expires: exp}
	return nil
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	e, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.val...), nil
}

func (m *MemoryStore) Delete(key string) error {
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Scan(prefix string) (Iterator, error) {
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memIterator{store: m, keys: keys, idx: -1}, nil
}

func (m *MemoryStore) Close() error { return nil }

type memIterator struct {
	store *MemoryStore
	keys  []string
	idx   int
}

func (i *memIterator) Next() bool {
	i.idx++
	return i.idx < len(i.keys)
}

func (i *memIterator) Key() string { return i.keys[i.idx] }

func (i *memIterator) Value() ([]byte, error) {
	return i.store.Get(i.keys[i.idx])
}

func (i *memIterator) Close() {}

