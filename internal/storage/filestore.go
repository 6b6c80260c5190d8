// Package storage implements the content-addressed blob store backing the
// DICOM attachments: opaque UUIDs mapped to raw or zlib-deflated files laid
// out over a two-level directory tree.
package storage

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flatmapit/gopacs/internal/errs"
)

// FileStore persists blobs under <root>/<uuid[0:2]>/<uuid[2:4]>/<uuid>.
// When a compressor is configured, blobs are transparently deflated on
// write and inflated on read. Filenames are freshly generated UUIDs, so
// concurrent writers never conflict and no lock is needed.
type FileStore struct {
	root       string
	compressor BufferCompressor
}

// NewFileStore opens (or creates) the store rooted at root. The compressor
// may be nil for uncompressed storage.
func NewFileStore(root string, compressor BufferCompressor) (*FileStore, error) {
	info, err := os.Stat(root)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, errs.Newf(errs.CannotWriteFile, "storage root %s is not a directory", root)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, errs.Wrap(errs.CannotWriteFile, "cannot create storage root", err)
		}
	default:
		return nil, errs.Wrap(errs.CannotWriteFile, "cannot stat storage root", err)
	}

	return &FileStore{root: root, compressor: compressor}, nil
}

// IsCompressed tells whether blobs are deflated on disk.
func (s *FileStore) IsCompressed() bool {
	return s.compressor != nil
}

// path maps a UUID to its location on disk.
func (s *FileStore) path(id string) (string, error) {
	if len(id) != 36 || uuid.Validate(id) != nil {
		return "", errs.Newf(errs.ParameterOutOfRange, "not a valid blob identifier: %s", id)
	}
	return filepath.Join(s.root, id[0:2], id[2:4], id), nil
}

// Create writes content under a fresh UUID and returns it.
func (s *FileStore) Create(content []byte) (string, error) {
	data := content
	if s.compressor != nil && len(content) > 0 {
		var err error
		data, err = s.compressor.Compress(content)
		if err != nil {
			return "", err
		}
	}

	for {
		id := uuid.New().String()
		path, err := s.path(id)
		if err != nil {
			return "", err
		}

		if _, err := os.Stat(path); err == nil {
			// Extremely improbable UUID collision; draw again.
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", errs.Wrap(errs.CannotWriteFile, "cannot create blob directory", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", errs.Wrap(errs.CannotWriteFile, "cannot write blob", err)
		}

		logrus.Debugf("Stored blob %s (%d bytes on disk)", id, len(data))
		return id, nil
	}
}

// Read returns the uncompressed content of a blob.
func (s *FileStore) Read(id string) ([]byte, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.InexistentFile, "no such blob: %s", id)
		}
		return nil, errs.Wrap(errs.InexistentFile, "cannot read blob", err)
	}

	if s.compressor != nil {
		return s.compressor.Uncompress(data)
	}
	return data, nil
}

// ReadRaw returns the on-disk bytes of a blob without decompressing.
func (s *FileStore) ReadRaw(id string) ([]byte, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.InexistentFile, "no such blob: %s", id)
		}
		return nil, errs.Wrap(errs.InexistentFile, "cannot read blob", err)
	}
	return data, nil
}

// Size returns the size of a blob on disk, after compression.
func (s *FileStore) Size(id string) (uint64, error) {
	path, err := s.path(id)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errs.Newf(errs.InexistentFile, "no such blob: %s", id)
	}
	return uint64(info.Size()), nil
}

// Remove deletes a blob and best-effort prunes its two parent directories.
// Errors while pruning non-empty directories are deliberately ignored.
func (s *FileStore) Remove(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.CannotWriteFile, "cannot remove blob", err)
	}

	level2 := filepath.Dir(path)
	level1 := filepath.Dir(level2)
	_ = os.Remove(level2)
	_ = os.Remove(level1)

	return nil
}

// ListAll walks the tree and returns the identifiers of every well-formed
// blob. Files whose path shape does not match their name are skipped.
func (s *FileStore) ListAll() (map[string]struct{}, error) {
	result := make(map[string]struct{})

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		id := filepath.Base(path)
		expected, perr := s.path(id)
		if perr != nil {
			return nil // not a UUID, ignore
		}
		if expected == path {
			result[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.InexistentFile, "cannot walk storage tree", err)
	}
	return result, nil
}

// Capacity returns the total size of the filesystem hosting the store.
func (s *FileStore) Capacity() (uint64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(s.root, &fs); err != nil {
		return 0, errs.Wrap(errs.InternalError, "statfs failed", err)
	}
	return fs.Blocks * uint64(fs.Bsize), nil
}

// Available returns the free space of the filesystem hosting the store.
func (s *FileStore) Available() (uint64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(s.root, &fs); err != nil {
		return 0, errs.Wrap(errs.InternalError, "statfs failed", err)
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}
