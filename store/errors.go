package store

import "github.com/pkg/errors"

var (
	// ErrNotFound means no object is stored under the digest, either because
	// metadata has no record of it or because its bytes are missing.
	ErrNotFound = errors.New("object not found")

	ErrInvalidDigest = errors.New("invalid digest")

	ErrTooLarge = errors.New("object exceeds the maximum size")

	// ErrCorrupt is returned when the bytes at rest no longer hash to their digest.
	ErrCorrupt = errors.New("object bytes do not match their digest")
)
