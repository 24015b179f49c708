package tkv

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultCacheTTL = 1 * time.Minute

type tkv struct {
	logger   *slog.Logger
	db       *badger.DB
	cache    *ttlcache.Cache[string, string]
	cacheTTL time.Duration
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		return nil, &ErrInternal{Err: errors.New("logger is required")}
	}

	opts := badger.DefaultOptions("").WithInMemory(true)
	if !config.InMemory {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0o750); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		opts = badger.DefaultOptions(valuesDir)
	}
	opts = opts.
		WithLogger(newLogger(config.Logger.WithGroup("badger"), config.BadgerLogLevel)).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	// Entries expire on schedule no matter how often they are read.
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](config.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &tkv{
		logger:   config.Logger.WithGroup("tkv"),
		db:       db,
		cache:    cache,
		cacheTTL: config.CacheTTL,
	}, nil
}

func (t *tkv) Close() error {
	t.cache.Stop()
	if err := t.db.Close(); err != nil {
		t.logger.Error("Error closing badger", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) Get(key string) (string, error) {
	var value []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrKeyNotFound{Key: key}
		}
		if err != nil {
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *tkv) Set(key string, value string) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

// SetNX writes the value only if the key does not exist yet. Badger's
// optimistic transactions turn a racing writer into ErrConflict, which is
// reported the same way as a key that was already there.
func (t *tkv) SetNX(key string, value string) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrKeyExists{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return &ErrKeyExists{Key: key}
	}
	return err
}

func (t *tkv) BatchSet(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	wb := t.db.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if err := wb.Set([]byte(e.Key), []byte(e.Value)); err != nil {
			return &ErrInternal{Err: fmt.Errorf("batch set %q: %w", e.Key, err)}
		}
	}
	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: fmt.Errorf("flush batch: %w", err)}
	}
	return nil
}

func (t *tkv) Iterate(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(keys) >= limit {
				break
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return keys, nil
}

// IterateBefore walks the prefix backwards from the seek key so a page costs
// limit reads regardless of how many keys precede it.
func (t *tkv) IterateBefore(prefix string, before string, limit int) ([]string, error) {
	seek := []byte(prefix + before)
	if before == "" {
		seek = append([]byte(prefix), 0xff)
	}

	var keys []string
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(keys) >= limit {
				break
			}
			key := it.Item().KeyCopy(nil)
			if before != "" && bytes.Equal(key, seek) {
				continue
			}
			keys = append(keys, string(key))
		}
		return nil
	})
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	slices.Reverse(keys)
	return keys, nil
}

func (t *tkv) CacheGet(key string) (string, error) {
	item := t.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", &ErrKeyNotFound{Key: key}
	}
	return item.Value(), nil
}

// CacheSet stores value for ttl, or for the configured default when ttl is 0.
func (t *tkv) CacheSet(key string, value string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = t.cacheTTL
	}
	t.cache.Set(key, value, ttl)
	return nil
}
