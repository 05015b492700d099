package badger

import (
	"context"
	"encoding/json"
	"sort"

	"fairpay/internal/storage"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	instancePrefix = []byte("i/")
	dataPrefix     = []byte("d/")
)

// Open returns a storage.Store implementation using Badger as the storage
// driver. The store should be .Close()'d after use.
func Open(opts badger.Options) (*badgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

// OpenPath opens a persistent store rooted at dir.
func OpenPath(dir string) (*badgerStore, error) {
	return Open(badger.DefaultOptions(dir).WithLogger(nil))
}

// OpenInMemory opens a store that keeps nothing on disk.
func OpenInMemory() (*badgerStore, error) {
	return Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

var _ storage.Store = &badgerStore{}

type badgerStore struct {
	db *badger.DB
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func (s *badgerStore) Deploy(_ context.Context, inst storage.Instance) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := instanceKey(inst.Address)
		if hasKey(txn, key) {
			return storage.ErrInstanceExists
		}
		return setItem(txn, key, inst)
	})
}

func (s *badgerStore) Instance(_ context.Context, addr common.Address) (storage.Instance, error) {
	var inst storage.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return getItem(txn, instanceKey(addr), &inst)
	})
	if err == badger.ErrKeyNotFound {
		return storage.Instance{}, storage.ErrUnknownInstance
	}
	return inst, err
}

func (s *badgerStore) Instances(_ context.Context) ([]storage.Instance, error) {
	var out []storage.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = instancePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var inst storage.Instance
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &inst)
			})
			if err != nil {
				return err
			}
			out = append(out, inst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *badgerStore) Get(_ context.Context, addr common.Address, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		if !hasKey(txn, instanceKey(addr)) {
			return storage.ErrUnknownInstance
		}
		item, err := txn.Get(dataKey(addr, key))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (s *badgerStore) Apply(_ context.Context, addr common.Address, batch storage.Batch) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if !hasKey(txn, instanceKey(addr)) {
			return storage.ErrUnknownInstance
		}
		for k, v := range batch.Puts {
			if err := txn.Set(dataKey(addr, k), v); err != nil {
				return errors.Wrapf(err, "set %s", k)
			}
		}
		for _, k := range batch.Deletes {
			if err := txn.Delete(dataKey(addr, k)); err != nil {
				return errors.Wrapf(err, "delete %s", k)
			}
		}
		return nil
	})
}
