package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/model"
)

// PutNameKey stores sealed key material. A second put for the same (owner, name)
// replaces the previous blob.
func (db *DB) PutNameKey(ctx context.Context, key *model.NameKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO name_keys (owner_id, name_id, sealed, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (owner_id, name_id) DO UPDATE SET sealed = excluded.sealed`,
		key.OwnerID, key.NameID, key.Sealed, key.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: storing key for name %s: %w", key.NameID, err)
	}
	return nil
}

// GetNameKey loads sealed key material. Returns apperror.ErrNotFound if absent.
func (db *DB) GetNameKey(ctx context.Context, ownerID, nameID string) (*model.NameKey, error) {
	k := model.NameKey{OwnerID: ownerID, NameID: nameID}

	err := db.conn.QueryRowContext(ctx,
		`SELECT sealed, created_at FROM name_keys WHERE owner_id = ? AND name_id = ?`,
		ownerID, nameID,
	).Scan(&k.Sealed, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("name key", nameID)
		}
		return nil, fmt.Errorf("sqlite: loading key for name %s: %w", nameID, err)
	}

	return &k, nil
}
