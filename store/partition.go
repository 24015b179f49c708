package store

import (
	"path/filepath"
	"strconv"
)

// Partitions is the number of shard directories objects are spread across.
const Partitions = 256

// Partition is the value of the digest's last byte.
func Partition(digest string) (int, error) {
	if !ValidDigest(digest) {
		return 0, ErrInvalidDigest
	}
	p, err := strconv.ParseUint(digest[len(digest)-2:], 16, 8)
	if err != nil {
		return 0, ErrInvalidDigest
	}
	return int(p), nil
}

func (s *Store) partitionDir(partition int) string {
	return filepath.Join(s.root, strconv.Itoa(partition))
}

// Path is where the bytes of digest live once published.
func (s *Store) Path(digest string) (string, error) {
	p, err := Partition(digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.partitionDir(p), digest), nil
}
