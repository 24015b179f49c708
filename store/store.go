// Package store is a content-addressed object store. Uploads are staged and
// hashed in one pass, deduplicated by digest and published read-only into
// one of 256 partition directories under the store root.
package store

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/InsulaLabs/parley/db/models"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const (
	defaultVerifiedTTL      = 30 * time.Minute
	defaultVerifiedCapacity = 1 << 16
)

// Metadata is the record keeper consulted before bytes are published and
// told about every newly published object.
type Metadata interface {
	FindObjectByDigest(ctx context.Context, digest string) (models.Object, bool, error)
	RecordObject(ctx context.Context, obj models.Object) error
}

type Config struct {
	Logger   *slog.Logger
	Metadata Metadata

	// Root holds the partition directories.
	Root string

	// TmpDir receives staged uploads. Defaults to Root/.tmp. Must be on the
	// same volume as Root for Atomic publishing to stay a rename.
	TmpDir string

	// Atomic publishes by rename. When false objects are copied next to
	// their final path, verified and renamed into place.
	Atomic bool

	// MaxObjectSize caps an upload in bytes. Zero means unlimited.
	MaxObjectSize int64

	// VerifyOnRead re-hashes an object the first time it is read by this
	// process. Always on when Atomic is false.
	VerifyOnRead bool
}

type Store struct {
	logger        *slog.Logger
	meta          Metadata
	root          string
	tmpDir        string
	atomic        bool
	maxObjectSize int64
	verifyOnRead  bool

	locks    *digestLocks
	verified *ttlcache.Cache[string, struct{}]

	// beforePublish runs after staging and before the bytes become visible.
	beforePublish func(digest string) error
}

// Result is what Put hands back. Deduplicated is set when the bytes were
// already stored and nothing new was published.
type Result struct {
	models.Object
	Deduplicated bool
}

func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Metadata == nil {
		return nil, errors.New("metadata is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("root is required")
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = filepath.Join(cfg.Root, ".tmp")
	}
	if cfg.MaxObjectSize < 0 {
		return nil, errors.New("max object size cannot be negative")
	}

	for _, dir := range []string{cfg.Root, cfg.TmpDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}

	verified := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](defaultVerifiedTTL),
		ttlcache.WithCapacity[string, struct{}](defaultVerifiedCapacity),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go verified.Start()

	s := &Store{
		logger:        cfg.Logger,
		meta:          cfg.Metadata,
		root:          cfg.Root,
		tmpDir:        cfg.TmpDir,
		atomic:        cfg.Atomic,
		maxObjectSize: cfg.MaxObjectSize,
		verifyOnRead:  cfg.VerifyOnRead || !cfg.Atomic,
		locks:         newDigestLocks(),
		verified:      verified,
	}
	s.sweepStaging()

	s.logger.Info("Object store ready",
		"root", s.root,
		"tmp", s.tmpDir,
		"atomic", s.atomic,
		"verify_on_read", s.verifyOnRead,
	)
	return s, nil
}

func (s *Store) Close() {
	s.verified.Stop()
}

// sweepStaging removes uploads and half-copied publishes left behind by a
// previous process.
func (s *Store) sweepStaging() {
	s.sweepDir(s.tmpDir, "upload-")
	for p := 0; p < Partitions; p++ {
		s.sweepDir(s.partitionDir(p), ".publish-")
	}
}

func (s *Store) sweepDir(dir, prefix string) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Warn("Could not read directory for stale files", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			s.logger.Warn("Could not remove stale file", "dir", dir, "file", e.Name(), "error", err)
			continue
		}
		s.logger.Debug("Removed stale file", "dir", dir, "file", e.Name())
	}
}

// Put stores the bytes of src under their SHA-256 digest. Identical bytes
// always resolve to the same object; only the first uploader's name, media
// type and owner are recorded.
func (s *Store) Put(ctx context.Context, src io.Reader, name, mediaType, ownerID string) (Result, error) {
	st, err := stage(ctx, s.tmpDir, src, s.maxObjectSize)
	if err != nil {
		s.logger.Debug("Staging failed", "owner", ownerID, "error", err)
		return Result{}, err
	}
	defer func() {
		if err := st.release(); err != nil {
			s.logger.Warn("Could not release staged upload", "path", st.path, "error", err)
		}
	}()

	unlock := s.locks.lock(st.digest)
	defer unlock()

	partition, err := Partition(st.digest)
	if err != nil {
		return Result{}, err
	}
	finalPath := filepath.Join(s.partitionDir(partition), st.digest)

	existing, found, err := s.meta.FindObjectByDigest(ctx, st.digest)
	if err != nil {
		return Result{}, errors.Wrap(err, "look up object")
	}
	if found {
		if err := s.restoreIfMissing(st, finalPath); err != nil {
			return Result{}, err
		}
		s.logger.Debug("Upload deduplicated", "digest", st.digest, "owner", ownerID)
		return Result{Object: existing, Deduplicated: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(s.partitionDir(partition), 0o750); err != nil {
		return Result{}, errors.Wrap(err, "create partition directory")
	}

	adopted, err := s.adoptOrphan(finalPath, st)
	if err != nil {
		return Result{}, err
	}
	if !adopted {
		if s.beforePublish != nil {
			if err := s.beforePublish(st.digest); err != nil {
				return Result{}, err
			}
		}
		if err := s.publish(st, finalPath); err != nil {
			s.logger.Error("Publish failed", "digest", st.digest, "error", err)
			return Result{}, err
		}
	}
	s.verified.Set(st.digest, struct{}{}, ttlcache.DefaultTTL)

	obj := models.Object{
		Digest:     st.digest,
		Size:       st.size,
		Partition:  partition,
		MediaType:  mediaType,
		Name:       name,
		OwnerID:    ownerID,
		UploadedAt: time.Now().UTC(),
	}
	if err := s.meta.RecordObject(ctx, obj); err != nil {
		return Result{}, errors.Wrap(err, "record object")
	}

	s.logger.Info("Object published",
		"digest", obj.Digest,
		"partition", obj.Partition,
		"size", obj.Size,
		"owner", ownerID,
		"recovered", adopted,
	)
	return Result{Object: obj}, nil
}

// adoptOrphan handles bytes left at finalPath without a metadata record, which
// happens when a previous process died between publish and record. Bytes
// that still hash to the digest are adopted; anything else is removed.
func (s *Store) adoptOrphan(finalPath string, st *staged) (bool, error) {
	f, err := os.Open(finalPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "open orphaned object")
	}
	digest, size, err := DigestReader(f)
	f.Close()
	if err != nil {
		return false, errors.Wrap(err, "hash orphaned object")
	}
	if digest == st.digest && size == st.size {
		s.logger.Warn("Adopting unrecorded object", "digest", st.digest)
		return true, nil
	}

	s.logger.Warn("Removing damaged unrecorded object", "digest", st.digest, "size", size)
	if err := os.Remove(finalPath); err != nil {
		return false, errors.Wrap(err, "remove damaged object")
	}
	return false, nil
}

// restoreIfMissing republishes staged bytes for a recorded object whose file
// has gone missing.
func (s *Store) restoreIfMissing(st *staged, finalPath string) error {
	_, err := os.Stat(finalPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "stat object")
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		return errors.Wrap(err, "create partition directory")
	}
	s.logger.Warn("Restoring missing bytes of recorded object", "digest", st.digest)
	return s.publish(st, finalPath)
}

// Stat returns the descriptor of a stored object without opening it.
func (s *Store) Stat(ctx context.Context, digest string) (models.Object, error) {
	if !ValidDigest(digest) {
		return models.Object{}, ErrInvalidDigest
	}
	obj, found, err := s.meta.FindObjectByDigest(ctx, digest)
	if err != nil {
		return models.Object{}, errors.Wrap(err, "look up object")
	}
	if !found {
		return models.Object{}, ErrNotFound
	}
	return obj, nil
}

func (s *Store) Has(ctx context.Context, digest string) (bool, error) {
	_, err := s.Stat(ctx, digest)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidDigest):
		return false, nil
	default:
		return false, err
	}
}

// Get opens the bytes of digest for reading. ErrNotFound is returned when
// there is no record of the digest or its bytes are gone.
func (s *Store) Get(ctx context.Context, digest string) (io.ReadCloser, models.Object, error) {
	obj, err := s.Stat(ctx, digest)
	if err != nil {
		return nil, models.Object{}, err
	}
	path, err := s.Path(digest)
	if err != nil {
		return nil, models.Object{}, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Recorded object has no bytes", "digest", digest)
		return nil, models.Object{}, ErrNotFound
	}
	if err != nil {
		return nil, models.Object{}, errors.Wrap(err, "open object")
	}

	if s.verifyOnRead && !s.verified.Has(digest) {
		if err := s.verify(f, digest, obj.Size); err != nil {
			f.Close()
			return nil, models.Object{}, err
		}
	}
	return f, obj, nil
}

func (s *Store) verify(f *os.File, digest string, size int64) error {
	got, n, err := DigestReader(f)
	if err != nil {
		return errors.Wrap(err, "hash object")
	}
	if got != digest || n != size {
		s.logger.Error("Object failed verification",
			"digest", digest,
			"actual", got,
			"size", n,
			"expected_size", size,
		)
		return errors.Wrapf(ErrCorrupt, "object %s", digest)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind object")
	}
	s.verified.Set(digest, struct{}{}, ttlcache.DefaultTTL)
	return nil
}
