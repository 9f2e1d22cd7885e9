package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger"
)

const blockPrefix = "block"

// BadgerStore persists the blocks of one namespace in an embedded Badger
// database. Keys are "block/<namespace>/<zero-padded index>" so a prefix scan
// yields blocks in index order.
type BadgerStore struct {
	db        *badger.DB
	namespace string
	owned     bool
}

// OpenBadgerStore opens (or creates) a Badger database at path and returns a
// store for namespace that closes the database on Close.
func OpenBadgerStore(path, namespace string) (*BadgerStore, error) {
	db, err := OpenBadger(path)
	if err != nil {
		return nil, err
	}
	s := NewBadgerStore(db, namespace)
	s.owned = true
	return s, nil
}

// OpenBadger opens a Badger database at path with synchronous writes.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return db, nil
}

// NewBadgerStore creates a store for namespace on a shared database handle.
// Close on the returned store leaves db open.
func NewBadgerStore(db *badger.DB, namespace string) *BadgerStore {
	return &BadgerStore{db: db, namespace: namespace}
}

func (s *BadgerStore) prefix() []byte {
	return []byte(blockPrefix + "/" + s.namespace + "/")
}

func (s *BadgerStore) key(index int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d", blockPrefix, s.namespace, index))
}

// LoadAll implements Store.
func (s *BadgerStore) LoadAll(_ context.Context) ([]*Block, error) {
	var blocks []*Block
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := s.prefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			b, err := decodeBlock(raw)
			if err != nil {
				return err
			}
			blocks = append(blocks, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan badger blocks: %w", err)
	}
	return blocks, nil
}

// FindByIndex implements Store.
func (s *BadgerStore) FindByIndex(_ context.Context, index int) (*Block, error) {
	var b *Block
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(index))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		b, err = decodeBlock(raw)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get badger block %d: %w", index, err)
	}
	return b, nil
}

// Insert implements Store.
func (s *BadgerStore) Insert(_ context.Context, b *Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", b.Index, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(s.key(b.Index)); err == nil {
			return fmt.Errorf("block %d already exists", b.Index)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(s.key(b.Index), raw)
	})
}

// Update implements Store.
func (s *BadgerStore) Update(_ context.Context, b *Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", b.Index, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(s.key(b.Index)); err != nil {
			return err
		}
		return txn.Set(s.key(b.Index), raw)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrBlockNotFound
	}
	return err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func decodeBlock(raw []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	b.normalize()
	return &b, nil
}
