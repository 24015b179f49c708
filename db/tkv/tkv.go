// Package tkv is the persistent key/value layer behind the metadata
// repository: badger for durable values plus a ttl cache for hot reads.
package tkv

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	CacheTTL       time.Duration

	// InMemory runs badger without touching Directory. Used by tests.
	InMemory bool
}

// Entry is one key/value pair of a batch write.
type Entry struct {
	Key   string
	Value string
}

type TKVDataHandler interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	SetNX(key string, value string) error // ErrKeyExists if the key is already present
	// BatchSet writes every entry in one flush. Entries with an empty key
	// are skipped.
	BatchSet(entries []Entry) error
	Iterate(prefix string, offset int, limit int) ([]string, error) // keys under prefix, in key order
	// IterateBefore returns up to limit keys under prefix that sort strictly
	// before prefix+before, the ones closest to it, in key order. An empty
	// before starts from the end of the prefix.
	IterateBefore(prefix string, before string, limit int) ([]string, error)
}

type TKVCacheHandler interface {
	CacheGet(key string) (string, error)
	CacheSet(key string, value string, ttl time.Duration) error
}

type TKV interface {
	TKVDataHandler
	TKVCacheHandler

	Close() error
}
