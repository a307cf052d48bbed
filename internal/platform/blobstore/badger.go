package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ehr/docvault/internal/errs"
)

const (
	badgerBlobPrefix = "blob/"
	badgerInfoPrefix = "info/"
)

// BadgerStoreConfig configures a BadgerBlobStore.
type BadgerStoreConfig struct {
	Path     string
	InMemory bool // for tests; Path is ignored
}

// BadgerBlobStore is a single-node durable ContentStore backed by Badger.
// Content and BlobInfo are written in the same transaction.
type BadgerBlobStore struct {
	db *badger.DB
}

// OpenBadgerBlobStore opens (or creates) the store.
func OpenBadgerBlobStore(cfg BadgerStoreConfig) (*BadgerBlobStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // 100MB value log files
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger blob store: %w", err)
	}
	return &BadgerBlobStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerBlobStore) Close() error {
	return s.db.Close()
}

func (s *BadgerBlobStore) Put(ctx context.Context, data []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("%w: %w", errs.ErrInvalidInput, ErrMissingBlobName)
	}

	pointer := PointerFor(data)
	info, err := json.Marshal(BlobInfo{
		Pointer:   pointer,
		Name:      name,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode blob info: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerInfoPrefix + pointer))
		if err == nil {
			return nil // already stored
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set([]byte(badgerBlobPrefix+pointer), data); err != nil {
			return err
		}
		return txn.Set([]byte(badgerInfoPrefix+pointer), info)
	})
	if err != nil {
		return "", fmt.Errorf("%w: badger put %s: %w", errs.ErrStorage, pointer, err)
	}
	return pointer, nil
}

func (s *BadgerBlobStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerBlobPrefix + pointer))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(pointer)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: badger get %s: %w", errs.ErrStorage, pointer, err)
	}
	return data, nil
}

func (s *BadgerBlobStore) Stat(ctx context.Context, pointer string) (*BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var info BlobInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerInfoPrefix + pointer))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(pointer)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: badger stat %s: %w", errs.ErrStorage, pointer, err)
	}
	return &info, nil
}
