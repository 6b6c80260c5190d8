package storage

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/flatmapit/gopacs/internal/errs"
)

// BufferCompressor compresses and decompresses whole blobs. The content
// store only needs this narrow contract; the concrete codec is replaceable.
type BufferCompressor interface {
	Compress(data []byte) ([]byte, error)
	Uncompress(data []byte) ([]byte, error)
}

// ZlibCompressor implements BufferCompressor using the deflate/zlib format.
type ZlibCompressor struct {
	// Level is a zlib compression level; zero means the default level.
	Level int
}

// Compress deflates data. The empty input compresses to an empty blob so
// that a round trip of the empty sequence stays the empty sequence.
func (c ZlibCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	level := c.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "invalid zlib level", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, errs.Wrap(errs.InternalError, "zlib compression failed", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.Wrap(errs.InternalError, "zlib compression failed", err)
	}
	return buf.Bytes(), nil
}

// Uncompress inflates data previously produced by Compress.
func (c ZlibCompressor) Uncompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(errs.BadFileFormat, "corrupted zlib stream", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.BadFileFormat, "corrupted zlib stream", err)
	}
	return out, nil
}
