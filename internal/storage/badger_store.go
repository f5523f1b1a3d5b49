package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"

	"github.com/elpendex123/ec2-creator-local/internal/models"
	badger "github.com/dgraph-io/badger/v4"
)

const maxTxnRetries = 32

var (
	instancePrefix  = []byte("instance:")
	tombstonePrefix = []byte("retired:")
)

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // badger logs are noise next to zap output
	opts = opts.WithValueLogFileSize(1 << 20) // records are tiny
	return openBadger(opts)
}

// NewInMemoryBadgerStore returns a store that keeps nothing on disk.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func instanceKey(id string) []byte {
	return append(append([]byte{}, instancePrefix...), id...)
}

func tombstoneKey(id string) []byte {
	return append(append([]byte{}, tombstonePrefix...), id...)
}

// update runs fn in a read-write transaction, retrying when a concurrent
// transaction touched the same keys.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

func getInstance(txn *badger.Txn, id string) (*models.Instance, error) {
	item, err := txn.Get(instanceKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var out models.Instance
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func putInstance(txn *badger.Txn, inst *models.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return txn.Set(instanceKey(inst.ID), data)
}

func (s *BadgerStore) Insert(ctx context.Context, inst *models.Instance) error {
	rec := inst.Clone()
	if err := prepareInsert(rec); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{instanceKey(rec.ID), tombstoneKey(rec.ID)} {
			found, err := exists(txn, key)
			if err != nil {
				return err
			}
			if found {
				return ErrExists
			}
		}
		return putInstance(txn, rec)
	})
	if err != nil {
		return err
	}
	*inst = *rec
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*models.Instance, error) {
	var out *models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getInstance(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*models.Instance, error) {
	var out []*models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(instancePrefix); it.ValidForPrefix(instancePrefix); it.Next() {
			var inst models.Instance
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &inst)
			}); err != nil {
				return err
			}
			out = append(out, &inst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *BadgerStore) UpdateState(ctx context.Context, id string, state models.State, addr *AddressUpdate) (*models.Instance, error) {
	return s.mutate(id, func(inst *models.Instance) error {
		return applyState(inst, state, addr)
	})
}

func (s *BadgerStore) UpdateAddress(ctx context.Context, id string, addr AddressUpdate) (*models.Instance, error) {
	return s.mutate(id, func(inst *models.Instance) error {
		inst.PublicAddress = addr.PublicAddress
		inst.ConnectionHint = addr.ConnectionHint
		stamp(inst)
		return nil
	})
}

// mutate is a single-record read-modify-write.
func (s *BadgerStore) mutate(id string, fn func(inst *models.Instance) error) (*models.Instance, error) {
	var out *models.Instance
	err := s.update(func(txn *badger.Txn) error {
		inst, err := getInstance(txn, id)
		if err != nil {
			return err
		}
		if err := fn(inst); err != nil {
			return err
		}
		if err := putInstance(txn, inst); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.update(func(txn *badger.Txn) error {
		deleted = false
		found, err := exists(txn, instanceKey(id))
		if err != nil || !found {
			return err
		}
		if err := txn.Delete(instanceKey(id)); err != nil {
			return err
		}
		deleted = true
		return txn.Set(tombstoneKey(id), []byte(now().Format("2006-01-02T15:04:05Z07:00")))
	})
	return deleted, err
}

func sortNewestFirst(list []*models.Instance) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
