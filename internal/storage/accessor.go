package storage

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/flatmapit/gopacs/pkg/types"
)

// Accessor writes attachments through a FileStore and produces the FileInfo
// record that the index persists: sizes and MD5 digests of both the
// uncompressed content and the on-disk representation.
type Accessor struct {
	store *FileStore
}

// NewAccessor wraps a file store.
func NewAccessor(store *FileStore) *Accessor {
	return &Accessor{store: store}
}

// Write stores content as an attachment of the given type.
func (a *Accessor) Write(content []byte, contentType types.ContentType) (types.FileInfo, error) {
	id, err := a.store.Create(content)
	if err != nil {
		return types.FileInfo{}, err
	}

	info := types.NewFileInfo(id, contentType, uint64(len(content)), md5Hex(content))

	if a.store.IsCompressed() {
		raw, err := a.store.ReadRaw(id)
		if err != nil {
			_ = a.store.Remove(id)
			return types.FileInfo{}, err
		}
		info.Compression = types.CompressionZlib
		info.CompressedSize = uint64(len(raw))
		info.CompressedMD5 = md5Hex(raw)
	}

	return info, nil
}

// Read returns the uncompressed content of an attachment.
func (a *Accessor) Read(info types.FileInfo) ([]byte, error) {
	return a.store.Read(info.UUID)
}

// Remove deletes the blob of an attachment.
func (a *Accessor) Remove(info types.FileInfo) error {
	return a.store.Remove(info.UUID)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
