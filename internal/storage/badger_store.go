package storage

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// badgerStore is the BadgerDB implementation of the Store interface.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a BadgerDB database at the given path.
func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(path)
	// Badger's own logging is noisy; errors still surface from operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Get(key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return value, nil
}

func (s *badgerStore) Set(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *badgerStore) GetOrSet(key string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, error) {
	value, err := s.Get(key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	value, err = fn()
	if err != nil {
		return nil, err
	}
	if err := s.Set(key, value, ttl); err != nil {
		return nil, err
	}

	return value, nil
}

func (s *badgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
