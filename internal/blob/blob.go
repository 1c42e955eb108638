// Package blob stores generated artifact files under deterministic keys.
//
// Keys are slash separated ("audio/12.flac"). A file becomes visible under its
// key only once it has been written completely, so readers never observe a
// truncated artifact.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrNotExist is returned by Open when no file is stored under the key.
var ErrNotExist = errors.New("blob does not exist")

// Storage is the backing store for artifact files.
type Storage interface {
	// Put writes data under key atomically.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Exists reports whether a complete file is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Open returns the content stored under key and its size.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Remove deletes the file under key. Missing files are not an error.
	Remove(ctx context.Context, key string) error
	// Count returns the number of complete files below prefix.
	Count(ctx context.Context, prefix string) (int, error)
}

// cleanKey normalizes a key and rejects keys that escape the storage root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.TrimSpace(key))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", errors.New("blob: empty key")
	}
	return k, nil
}

// isTemp reports whether name is an in-progress upload.
func isTemp(name string) bool {
	return strings.HasPrefix(path.Base(name), tempPrefix)
}

const tempPrefix = ".tmp-"
