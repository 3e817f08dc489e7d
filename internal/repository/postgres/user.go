package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/model"
)

// Upsert inserts a user with a zeroed tokens row, or refreshes email and login
// timestamps of an existing one. Keyed by lower-cased address.
func (db *DB) Upsert(ctx context.Context, user *model.User) error {
	user.Address = strings.ToLower(user.Address)
	now := time.Now().UTC()

	err := db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing userRow
		err := tx.Where("address = ?", user.Address).First(&existing).Error

		switch {
		case err == nil:
			user.ID = existing.ID
			user.CreatedAt = existing.CreatedAt
			user.UpdatedAt = now
			user.LastLogin = now
			return tx.Model(&userRow{}).Where("id = ?", user.ID).Updates(map[string]any{
				"email":      user.Email,
				"updated_at": now,
				"last_login": now,
			}).Error

		case errors.Is(err, gorm.ErrRecordNotFound):
			user.ID = xid.New().String()
			user.CreatedAt, user.UpdatedAt, user.LastLogin = now, now, now
			row := userRow{
				ID: user.ID, Address: user.Address, Email: user.Email,
				CreatedAt: now, UpdatedAt: now, LastLogin: now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			return tx.Create(&tokensRow{ID: xid.New().String(), UserID: user.ID}).Error

		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("postgres: upserting user %s: %w", user.Address, err)
	}
	return nil
}

// GetUserByID returns apperror.ErrNotFound if absent.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	if err := db.gorm.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("postgres: getting user %s: %w", id, err)
	}
	return &model.User{
		ID: row.ID, Address: row.Address, Email: row.Email,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt, LastLogin: row.LastLogin,
	}, nil
}

func (db *DB) GetTokens(ctx context.Context, userID string) (*model.Tokens, error) {
	var row tokensRow
	if err := db.gorm.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("tokens", userID)
		}
		return nil, fmt.Errorf("postgres: getting tokens of %s: %w", userID, err)
	}
	return &model.Tokens{
		ID: row.ID, UserID: row.UserID, Balance: row.Balance,
		StakedAmount: row.StakedAmount, RewardsEarned: row.RewardsEarned,
	}, nil
}

func (db *DB) UpdateTokens(ctx context.Context, tokens *model.Tokens) error {
	result := db.gorm.WithContext(ctx).Model(&tokensRow{}).
		Where("user_id = ?", tokens.UserID).
		Updates(map[string]any{
			"balance":        tokens.Balance,
			"staked_amount":  tokens.StakedAmount,
			"rewards_earned": tokens.RewardsEarned,
		})
	if result.Error != nil {
		return fmt.Errorf("postgres: updating tokens of %s: %w", tokens.UserID, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperror.NotFound("tokens", tokens.UserID)
	}
	return nil
}
