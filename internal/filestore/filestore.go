package filestore

import (
	"io"
)

// FileStore stores uploaded attachments addressed by the SHA-256 of their content.
type FileStore interface {
	// Put stores the content and returns its hex hash and size.
	// Storing the same content twice keeps a single copy.
	Put(r io.Reader) (hash string, size int64, err error)

	// Get retrieves the content for the given hash.
	Get(hash string) (io.ReadCloser, error)
}
