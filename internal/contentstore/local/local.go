// Package local implements contentstore.Store on an embedded badger database.
//
// Blobs are keyed by their CID so identical uploads collapse into one entry. Each
// upload also records an ownership key per space, which is what a hosted pinning
// service would bill against.
//
// Key layout:
//
//	blob/<cid>            → content bytes
//	space/<owner>/<cid>   → original filename
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/sakif/webdeploy/internal/cid"
	"github.com/sakif/webdeploy/internal/contentstore"
)

var _ contentstore.Store = (*Store)(nil)

// Store is a badger-backed content-addressed store.
type Store struct {
	db     *badger.DB
	hasher cid.Hasher
	logger *slog.Logger
}

// Open opens (or creates) a store in dir. An empty dir keeps everything in memory.
func Open(dir string, hasher cid.Hasher, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("contentstore: opening badger at %q: %w", dir, err)
	}
	return &Store{db: db, hasher: hasher, logger: logger}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenSpace returns an upload space for owner. Local spaces need no provisioning.
func (s *Store) OpenSpace(_ context.Context, owner string) (contentstore.Space, error) {
	if owner == "" {
		return nil, errors.New("contentstore: space owner is required")
	}
	return &space{store: s, owner: owner}, nil
}

// Fetch returns the blob stored under c.
func (s *Store) Fetch(_ context.Context, c string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(c))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", contentstore.ErrNotFound, c)
	}
	if err != nil {
		return nil, fmt.Errorf("contentstore: reading %s: %w", c, err)
	}
	return data, nil
}

// Owned lists the CIDs uploaded through owner's space.
func (s *Store) Owned(_ context.Context, owner string) ([]string, error) {
	prefix := []byte("space/" + owner + "/")
	var cids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			cids = append(cids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contentstore: listing space %s: %w", owner, err)
	}
	return cids, nil
}

func (s *Store) put(owner, filename string, blob []byte) (string, error) {
	c := s.hasher.Sum(blob).String()

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(blobKey(c)); errors.Is(err, badger.ErrKeyNotFound) {
			if err := txn.Set(blobKey(c), blob); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return txn.Set([]byte("space/"+owner+"/"+c), []byte(filename))
	})
	if err != nil {
		return "", fmt.Errorf("contentstore: writing %s: %w", filename, err)
	}

	s.logger.Debug("content stored",
		slog.String("owner", owner),
		slog.String("cid", c),
		slog.Int("bytes", len(blob)),
	)
	return c, nil
}

func blobKey(c string) []byte {
	return []byte("blob/" + c)
}

// space is a per-owner upload handle.
type space struct {
	store  *Store
	owner  string
	closed atomic.Bool
}

func (sp *space) Upload(ctx context.Context, filename string, blob []byte) (string, error) {
	if sp.closed.Load() {
		return "", contentstore.ErrSpaceClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return sp.store.put(sp.owner, filename, blob)
}

func (sp *space) Close() error {
	sp.closed.Store(true)
	return nil
}
