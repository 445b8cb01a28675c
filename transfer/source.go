package transfer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vpstream/go-vpuploader/internal"
)

// FileBlob reads a file on disk. Parts are read with ReadAt, so concurrent parts
// don't share a file offset.
type FileBlob struct {
	*os.File
	size int64
}

// Size ...
func (b *FileBlob) Size() int64 {
	return b.size
}

// OpenFile opens the file at path as an upload source. The caller closes the returned blob.
func OpenFile(osProxy internal.OsProxy, path string) (Source, *FileBlob, error) {
	absPath, err := osProxy.Abs(path)
	if err != nil {
		return Source{}, nil, fmt.Errorf("resolve path %s: %w", path, err)
	}

	info, err := osProxy.Stat(absPath)
	if err != nil {
		return Source{}, nil, fmt.Errorf("stat %s: %w", absPath, err)
	}
	if info.IsDir() {
		return Source{}, nil, fmt.Errorf("%s is a directory", absPath)
	}

	file, err := osProxy.Open(absPath)
	if err != nil {
		return Source{}, nil, fmt.Errorf("open file: %w", err)
	}

	blob := &FileBlob{File: file, size: info.Size()}
	return Source{Name: filepath.Base(absPath), Blob: blob}, blob, nil
}

// BytesSource wraps in-memory content as an upload source.
func BytesSource(name, mimeType string, data []byte) Source {
	return Source{Name: name, Type: mimeType, Blob: bytes.NewReader(data)}
}
