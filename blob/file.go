package blob

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/errors"
)

// FileStore keeps objects as files on an afero filesystem
type FileStore struct {
	fs afero.Fs
}

var _ Store = (*FileStore)(nil)

// NewFileStore roots a store at a directory of the OS filesystem
func NewFileStore(root string) (*FileStore, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(root, am.DefaultDirPermissions); err != nil {
		return nil, writeErr(err, "failed to create storage root %s", root)
	}
	return &FileStore{fs: afero.NewBasePathFs(osFs, root)}, nil
}

// NewFileStoreFs wraps an existing filesystem (tests use afero.NewMemMapFs)
func NewFileStoreFs(fs afero.Fs) *FileStore {
	return &FileStore{fs: fs}
}

// clean normalizes a store path to the filesystem's rooted form
func clean(p string) string {
	return "/" + strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Write stores data through a temporary file and a rename, so readers never
// observe a partially written object.
func (s *FileStore) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := clean(p)
	if err := s.fs.MkdirAll(path.Dir(dst), am.DefaultDirPermissions); err != nil {
		return writeErr(err, "failed to create directory for %s", p)
	}
	tmp := dst + ".tmp-" + uuid.NewString()[:8]
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return writeErr(err, "failed to write %s", p)
	}
	if err := s.fs.Rename(tmp, dst); err != nil {
		_ = s.fs.Remove(tmp)
		return writeErr(err, "failed to publish %s", p)
	}
	return nil
}

// Read returns a file's contents
func (s *FileStore) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, clean(p))
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("blob %s", p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", p)
	}
	return data, nil
}

// Move renames src onto dst when dst does not exist yet. Otherwise, which is
// the case after an interrupted move, files are merged one by one and src is
// removed once empty.
func (s *FileStore) Move(ctx context.Context, src, dst string) error {
	src, dst = clean(src), clean(dst)

	srcExists, err := afero.Exists(s.fs, src)
	if err != nil {
		return writeErr(err, "failed to stat %s", src)
	}
	dstExists, err := afero.Exists(s.fs, dst)
	if err != nil {
		return writeErr(err, "failed to stat %s", dst)
	}

	switch {
	case !srcExists && dstExists:
		return nil
	case !srcExists:
		return errors.NewNotFoundError("blob prefix %s", src)
	case !dstExists:
		if err := s.fs.MkdirAll(path.Dir(dst), am.DefaultDirPermissions); err != nil {
			return writeErr(err, "failed to create %s", path.Dir(dst))
		}
		if err := s.fs.Rename(src, dst); err != nil {
			return writeErr(err, "failed to move %s to %s", src, dst)
		}
		return nil
	}

	files, err := s.walk(src)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := dst + strings.TrimPrefix(f, src)
		if err := s.fs.MkdirAll(path.Dir(target), am.DefaultDirPermissions); err != nil {
			return writeErr(err, "failed to create %s", path.Dir(target))
		}
		if err := s.fs.Rename(f, target); err != nil {
			return writeErr(err, "failed to move %s to %s", f, target)
		}
	}
	if err := s.fs.RemoveAll(src); err != nil {
		return writeErr(err, "failed to remove moved prefix %s", src)
	}
	return nil
}

// Delete removes a file or a directory tree
func (s *FileStore) Delete(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.RemoveAll(clean(prefix)); err != nil {
		return writeErr(err, "failed to delete %s", prefix)
	}
	return nil
}

// List returns the files under prefix, without the leading slash
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := s.walk(clean(prefix))
	if err != nil {
		return nil, err
	}
	for i, f := range files {
		files[i] = strings.TrimPrefix(f, "/")
	}
	return files, nil
}

// walk collects regular files below root; a missing root yields nothing
func (s *FileStore) walk(root string) ([]string, error) {
	var files []string
	err := afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() && !strings.Contains(path.Base(p), ".tmp-") {
			files = append(files, path.Clean(p))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", root)
	}
	sort.Strings(files)
	return files, nil
}
