// Package ephemeral backs short-lived kinds (scents, sounds, projectiles)
// with a badger keyspace. Entries carry a TTL so anything that outlives its
// channel's retention window ages out on its own instead of surviving a
// restart forever. An empty path opens badger in memory, which tests use.
package ephemeral

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"worldplane.dev/internal/store"
)

type Store struct {
	db  *badger.DB
	ttl time.Duration
}

type envelope struct {
	Region string       `json:"region"`
	Object store.Object `json:"object"`
}

func Open(path string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil).WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ephemeral db: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(regionID, objectID string) []byte {
	return []byte("o|" + regionID + "|" + objectID)
}

// Put writes the latest version of an object. A tombstone removes the
// entry outright; nothing replays deletions of data this short-lived.
func (s *Store) Put(regionID string, obj store.Object) error {
	k := key(regionID, obj.ID)
	if obj.Deleted {
		return s.db.Update(func(txn *badger.Txn) error {
			err := txn.Delete(k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		})
	}
	val, err := json.Marshal(envelope{Region: regionID, Object: obj})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(k, val).WithTTL(s.ttl))
	})
}

func (s *Store) Get(regionID, objectID string) (store.Object, bool, error) {
	var env envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(regionID, objectID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.Object{}, false, nil
	}
	if err != nil {
		return store.Object{}, false, err
	}
	return env.Object, true, nil
}

// Load streams every surviving entry, used at boot to rehydrate the
// in-memory store with whatever has not yet expired.
func (s *Store) Load(fn func(regionID string, obj store.Object)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("o|")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var env envelope
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				return err
			}
			fn(env.Region, env.Object)
		}
		return nil
	})
}

// Len counts surviving entries, for the stats surface.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("o|")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
