package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

// Upsert inserts or updates a user keyed by wallet address.
//
// First sign-in inserts the user and a zeroed tokens row in one transaction.
// Later sign-ins keep the internal ID and created_at, and refresh email,
// updated_at and last_login. On return user holds the canonical row.
func (db *DB) Upsert(ctx context.Context, user *model.User) error {
	user.Address = strings.ToLower(user.Address)
	now := time.Now().UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning upsert of %s: %w", user.Address, err)
	}
	defer tx.Rollback()

	var existing model.User
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM users WHERE address = ?`, user.Address,
	).Scan(&existing.ID, &existing.CreatedAt)

	switch {
	case err == nil:
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
		user.UpdatedAt = now
		user.LastLogin = now
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET email = ?, updated_at = ?, last_login = ? WHERE id = ?`,
			user.Email, user.UpdatedAt, user.LastLogin, user.ID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: updating user %s: %w", user.ID, err)
		}

	case errors.Is(err, sql.ErrNoRows):
		user.ID = xid.New().String()
		user.CreatedAt = now
		user.UpdatedAt = now
		user.LastLogin = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (id, address, email, created_at, updated_at, last_login)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			user.ID, user.Address, user.Email, user.CreatedAt, user.UpdatedAt, user.LastLogin,
		)
		if err != nil {
			return fmt.Errorf("sqlite: inserting user (address=%s): %w", user.Address, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tokens (id, user_id) VALUES (?, ?)`,
			xid.New().String(), user.ID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: initializing tokens for user %s: %w", user.ID, err)
		}

	default:
		return fmt.Errorf("sqlite: looking up user by address %s: %w", user.Address, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing upsert of %s: %w", user.Address, err)
	}
	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, address, email, created_at, updated_at, last_login
		 FROM users WHERE id = ?`,
		id,
	).Scan(&u.ID, &u.Address, &u.Email, &u.CreatedAt, &u.UpdatedAt, &u.LastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}

	return &u, nil
}

// GetTokens returns the token row of a user.
func (db *DB) GetTokens(ctx context.Context, userID string) (*model.Tokens, error) {
	var t model.Tokens

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, balance, staked_amount, rewards_earned
		 FROM tokens WHERE user_id = ?`,
		userID,
	).Scan(&t.ID, &t.UserID, &t.Balance, &t.StakedAmount, &t.RewardsEarned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("tokens", userID)
		}
		return nil, fmt.Errorf("sqlite: getting tokens of %s: %w", userID, err)
	}

	return &t, nil
}

// UpdateTokens overwrites balance, staked amount and rewards of the user's row.
func (db *DB) UpdateTokens(ctx context.Context, tokens *model.Tokens) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE tokens SET balance = ?, staked_amount = ?, rewards_earned = ?
		 WHERE user_id = ?`,
		tokens.Balance, tokens.StakedAmount, tokens.RewardsEarned, tokens.UserID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating tokens of %s: %w", tokens.UserID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("tokens", tokens.UserID)
	}
	return nil
}
