package store

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// ReadOnlyMode is applied to every object before it becomes visible (r--r-----).
const ReadOnlyMode os.FileMode = 0o440

// publish makes the staged bytes visible at finalPath. The final path only
// ever appears through a rename, so a reader sees the whole object or nothing.
func (s *Store) publish(st *staged, finalPath string) error {
	if err := os.Chmod(st.path, ReadOnlyMode); err != nil {
		return errors.Wrap(err, "mark staged object read-only")
	}

	if s.atomic {
		err := os.Rename(st.path, finalPath)
		if err == nil {
			return nil
		}
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || linkErr.Err != syscall.EXDEV {
			return errors.Wrap(err, "rename staged object")
		}
		s.logger.Warn("Staging and storage are on different volumes, falling back to copy",
			"staging", st.path, "target", finalPath)
	}

	return s.copyVerified(st, finalPath)
}

// copyVerified copies the staged file next to finalPath under a temporary
// name, re-hashing what was written, and renames it into place only when the
// copy matches the staged digest.
func (s *Store) copyVerified(st *staged, finalPath string) error {
	src, err := os.Open(st.path)
	if err != nil {
		return errors.Wrap(err, "open staged object")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".publish-*")
	if err != nil {
		return errors.Wrap(err, "create publish file")
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	d := NewDigester()
	if _, err := io.Copy(io.MultiWriter(tmp, d), src); err != nil {
		return fail(errors.Wrap(err, "copy staged object"))
	}
	if err := tmp.Sync(); err != nil {
		return fail(errors.Wrap(err, "sync publish file"))
	}
	if err := tmp.Close(); err != nil {
		return fail(errors.Wrap(err, "close publish file"))
	}
	if d.Sum() != st.digest || d.Size() != st.size {
		os.Remove(tmpPath)
		return errors.Wrapf(ErrCorrupt, "copy of %s", st.digest)
	}
	if err := os.Chmod(tmpPath, ReadOnlyMode); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "mark published object read-only")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename published object")
	}
	return nil
}
