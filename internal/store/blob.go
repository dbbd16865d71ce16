package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/cockroachdb/pebble"
)

var (
	ErrBlobStoreClosed = errors.New("blob store is closed")
	ErrBlobNotFound    = errors.New("blob not found")
)

// BlobStore keeps raw receipt PDFs in a pebble database keyed by
// "<emailID>/<attachmentID>". The relational store only holds the key
// and the content hash.
type BlobStore struct {
	db *pebble.DB
}

// OpenBlobStore opens (or creates) the pebble database at path.
func OpenBlobStore(path string) (*BlobStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, WrapError(err, "open_blob_store")
	}
	return &BlobStore{db: db}, nil
}

// Close closes the underlying database.
func (b *BlobStore) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Put stores the blob and returns its sha256 hex hash.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if b.db == nil {
		return "", ErrBlobStoreClosed
	}
	if err := b.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return "", WrapError(err, "put_blob")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns a copy of the blob bytes.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if b.db == nil {
		return nil, ErrBlobStoreClosed
	}
	val, closer, err := b.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, WrapError(err, "get_blob")
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Delete removes a blob; missing keys are not an error.
func (b *BlobStore) Delete(ctx context.Context, key string) error {
	if b.db == nil {
		return ErrBlobStoreClosed
	}
	return WrapError(b.db.Delete([]byte(key), pebble.Sync), "delete_blob")
}
