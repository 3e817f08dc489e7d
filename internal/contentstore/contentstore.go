// Package contentstore defines the content-addressed storage client used by the
// publish workflow and the search index.
//
// A Store is opened once per user session (OpenSpace) and the returned Space uploads
// blobs on that user's behalf. Reads (Fetch) are not scoped: content addressing makes
// every blob public to anyone who knows its CID.
package contentstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Fetch when no blob exists for the CID.
var ErrNotFound = errors.New("contentstore: content not found")

// ErrSpaceClosed is returned by Upload on a Space that has been closed.
var ErrSpaceClosed = errors.New("contentstore: space closed")

// Store is a content-addressed blob store.
type Store interface {
	// OpenSpace prepares an upload space for owner. It must be called before any upload.
	OpenSpace(ctx context.Context, owner string) (Space, error)

	// Fetch returns the blob named by cid.
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// Space uploads blobs on behalf of a single owner.
type Space interface {
	// Upload stores blob under filename and returns its CID.
	Upload(ctx context.Context, filename string, blob []byte) (string, error)

	// Close releases the space. Uploads after Close return ErrSpaceClosed.
	Close() error
}
