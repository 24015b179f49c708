package store

import (
	"context"
	"io"
	"io/fs"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	stageChunkSize = 32 << 10

	// Chunks buffered per consumer. Bounds memory when one side is slower.
	stageQueueDepth = 8
)

// staged is a fully written temp file whose digest is known. Nothing about
// it is visible to readers until it is published.
type staged struct {
	path   string
	digest string
	size   int64
}

// release removes the temp file. Safe to call after the file was renamed away.
func (s *staged) release() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// stage reads src exactly once, feeding every chunk both to a temp file in
// dir and to a Digester. The two consumers run concurrently behind bounded
// queues; either failing cancels the other and the temp file is removed.
func stage(ctx context.Context, dir string, src io.Reader, maxSize int64) (*staged, error) {
	f, err := os.CreateTemp(dir, "upload-*.tmp")
	if err != nil {
		return nil, errors.Wrap(err, "create staging file")
	}

	discard := func(cause error) (*staged, error) {
		f.Close()
		os.Remove(f.Name())
		return nil, cause
	}

	toSink := make(chan []byte, stageQueueDepth)
	toHash := make(chan []byte, stageQueueDepth)
	digester := NewDigester()
	var written int64

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(toSink)
		defer close(toHash)

		var total int64
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			buf := make([]byte, stageChunkSize)
			n, rerr := src.Read(buf)
			if n > 0 {
				total += int64(n)
				if maxSize > 0 && total > maxSize {
					return ErrTooLarge
				}
				chunk := buf[:n]
				for _, q := range [...]chan []byte{toSink, toHash} {
					select {
					case q <- chunk:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return errors.Wrap(rerr, "read upload")
			}
		}
	})

	g.Go(func() error {
		for chunk := range toSink {
			n, err := f.Write(chunk)
			written += int64(n)
			if err != nil {
				return errors.Wrap(err, "write staging file")
			}
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		return errors.Wrap(f.Sync(), "sync staging file")
	})

	g.Go(func() error {
		for chunk := range toHash {
			digester.Write(chunk)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return discard(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "close staging file")
	}
	if written != digester.Size() {
		os.Remove(f.Name())
		return nil, errors.Errorf("staging size mismatch: wrote %d, hashed %d", written, digester.Size())
	}

	return &staged{
		path:   f.Name(),
		digest: digester.Sum(),
		size:   written,
	}, nil
}
