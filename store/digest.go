package store

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// DigestHexLen is the length of a hex encoded SHA-256 digest.
const DigestHexLen = sha256.Size * 2

// Digester accumulates a SHA-256 over bytes in the order they are written.
type Digester struct {
	h hash.Hash
	n int64
}

func NewDigester() *Digester {
	return &Digester{h: sha256.New()}
}

func (d *Digester) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Sum returns the lowercase hex digest of everything written so far.
func (d *Digester) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size is the number of bytes written so far.
func (d *Digester) Size() int64 {
	return d.n
}

// ValidDigest reports whether s looks like a digest this store produces.
func ValidDigest(s string) bool {
	if len(s) != DigestHexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// DigestReader hashes r to EOF.
func DigestReader(r io.Reader) (string, int64, error) {
	d := NewDigester()
	if _, err := io.Copy(d, r); err != nil {
		return "", d.Size(), err
	}
	return d.Sum(), d.Size(), nil
}
