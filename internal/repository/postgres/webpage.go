package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/model"
)

func (db *DB) CreateWebpage(ctx context.Context, w *model.Webpage) error {
	w.ID = xid.New().String()
	row := webpageRow{ID: w.ID, UserID: w.UserID, Name: ptr(w.Name), Domain: w.Domain, CID: w.CID}
	if err := db.gorm.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("postgres: creating webpage %q: %w", w.Domain, err)
	}
	return nil
}

func (db *DB) GetWebpage(ctx context.Context, id string) (*model.Webpage, error) {
	var row webpageRow
	if err := db.gorm.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("webpage", id)
		}
		return nil, fmt.Errorf("postgres: getting webpage %s: %w", id, err)
	}
	return toWebpage(row), nil
}

func (db *DB) UpdateWebpageCID(ctx context.Context, id, cid string) error {
	result := db.gorm.WithContext(ctx).Model(&webpageRow{}).Where("id = ?", id).Update("cid", cid)
	if result.Error != nil {
		return fmt.Errorf("postgres: updating cid of webpage %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperror.NotFound("webpage", id)
	}
	return nil
}

// SetWebpageName binds name once; a named page reports a conflict.
func (db *DB) SetWebpageName(ctx context.Context, id, name string) error {
	result := db.gorm.WithContext(ctx).Model(&webpageRow{}).
		Where("id = ? AND name IS NULL", id).
		Update("name", name)
	if result.Error != nil {
		return fmt.Errorf("postgres: naming webpage %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := db.GetWebpage(ctx, id); err != nil {
			return err
		}
		return apperror.Conflict("webpage name", id)
	}
	return nil
}

// joinedRow is one row of the webpage/deployment LEFT JOIN.
type joinedRow struct {
	webpageRow
	DepID              *string
	DepUserID          *string
	DepTransactionHash *string
	DepDeployedAt      sql.NullTime
	DepDeploymentURL   *string
	DepLedgerInfo      *string
}

func (db *DB) ListWebpages(ctx context.Context, userID string) ([]model.WebpageWithDeployment, error) {
	q := db.gorm.WithContext(ctx).
		Table("webpages AS w").
		Select(`w.id, w.user_id, w.name, w.domain, w.cid,
			d.id AS dep_id, d.user_id AS dep_user_id, d.transaction_hash AS dep_transaction_hash,
			d.deployed_at AS dep_deployed_at, d.deployment_url AS dep_deployment_url,
			d.ledger_info AS dep_ledger_info`).
		Joins("LEFT JOIN deployments d ON d.webpage_id = w.id")
	if userID != "" {
		q = q.Where("w.user_id = ?", userID)
	}

	var rows []joinedRow
	if err := q.Order("d.deployed_at DESC NULLS LAST, w.id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("postgres: listing webpages: %w", err)
	}

	out := make([]model.WebpageWithDeployment, 0, len(rows))
	for _, r := range rows {
		item := model.WebpageWithDeployment{Webpage: *toWebpage(r.webpageRow)}
		if r.DepID != nil {
			d := &model.Deployment{
				ID:              *r.DepID,
				UserID:          deref(r.DepUserID),
				WebpageID:       r.ID,
				TransactionHash: deref(r.DepTransactionHash),
				DeploymentURL:   deref(r.DepDeploymentURL),
				LedgerInfo:      deref(r.DepLedgerInfo),
			}
			if r.DepDeployedAt.Valid {
				d.DeployedAt = r.DepDeployedAt.Time
			}
			item.Deployment = d
		}
		out = append(out, item)
	}
	return out, nil
}

func (db *DB) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	d.ID = xid.New().String()
	if err := db.gorm.WithContext(ctx).Create(toDeploymentRow(d)).Error; err != nil {
		return fmt.Errorf("postgres: creating deployment for webpage %s: %w", d.WebpageID, err)
	}
	return nil
}

func (db *DB) CurrentDeployment(ctx context.Context, webpageID string) (*model.Deployment, error) {
	var row deploymentRow
	err := db.gorm.WithContext(ctx).
		Where("webpage_id = ?", webpageID).
		Order("deployed_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("deployment for webpage", webpageID)
		}
		return nil, fmt.Errorf("postgres: getting deployment of webpage %s: %w", webpageID, err)
	}
	return &model.Deployment{
		ID: row.ID, UserID: row.UserID, WebpageID: row.WebpageID,
		TransactionHash: row.TransactionHash, DeployedAt: row.DeployedAt,
		DeploymentURL: row.DeploymentURL, LedgerInfo: deref(row.LedgerInfo),
	}, nil
}

func (db *DB) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	result := db.gorm.WithContext(ctx).Model(&deploymentRow{}).Where("id = ?", d.ID).Updates(map[string]any{
		"transaction_hash": d.TransactionHash,
		"deployment_url":   d.DeploymentURL,
		"deployed_at":      d.DeployedAt.UTC(),
		"ledger_info":      ptr(d.LedgerInfo),
	})
	if result.Error != nil {
		return fmt.Errorf("postgres: updating deployment %s: %w", d.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperror.NotFound("deployment", d.ID)
	}
	return nil
}

func (db *DB) AppendHistory(ctx context.Context, e *model.DeploymentEvent) error {
	e.ID = xid.New().String()
	row := historyRow{
		ID: e.ID, WebpageID: e.WebpageID, CID: e.CID, TransactionHash: e.TransactionHash,
		DeploymentURL: e.DeploymentURL, DeployedAt: e.DeployedAt.UTC(),
	}
	if err := db.gorm.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("postgres: appending history for webpage %s: %w", e.WebpageID, err)
	}
	return nil
}

func (db *DB) ListHistory(ctx context.Context, webpageID string) ([]model.DeploymentEvent, error) {
	var rows []historyRow
	err := db.gorm.WithContext(ctx).
		Where("webpage_id = ?", webpageID).
		Order("deployed_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("postgres: listing history of webpage %s: %w", webpageID, err)
	}

	events := make([]model.DeploymentEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, model.DeploymentEvent{
			ID: r.ID, WebpageID: r.WebpageID, CID: r.CID, TransactionHash: r.TransactionHash,
			DeploymentURL: r.DeploymentURL, DeployedAt: r.DeployedAt,
		})
	}
	return events, nil
}

func (db *DB) PutNameKey(ctx context.Context, k *model.NameKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	row := nameKeyRow{OwnerID: k.OwnerID, NameID: k.NameID, Sealed: k.Sealed, CreatedAt: k.CreatedAt}
	err := db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "name_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sealed"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("postgres: storing key for name %s: %w", k.NameID, err)
	}
	return nil
}

func (db *DB) GetNameKey(ctx context.Context, ownerID, nameID string) (*model.NameKey, error) {
	var row nameKeyRow
	err := db.gorm.WithContext(ctx).First(&row, "owner_id = ? AND name_id = ?", ownerID, nameID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("name key", nameID)
		}
		return nil, fmt.Errorf("postgres: loading key for name %s: %w", nameID, err)
	}
	return &model.NameKey{OwnerID: row.OwnerID, NameID: row.NameID, Sealed: row.Sealed, CreatedAt: row.CreatedAt}, nil
}

func toWebpage(r webpageRow) *model.Webpage {
	return &model.Webpage{ID: r.ID, UserID: r.UserID, Name: deref(r.Name), Domain: r.Domain, CID: r.CID}
}

func toDeploymentRow(d *model.Deployment) *deploymentRow {
	return &deploymentRow{
		ID: d.ID, UserID: d.UserID, WebpageID: d.WebpageID, TransactionHash: d.TransactionHash,
		DeployedAt: d.DeployedAt.UTC(), DeploymentURL: d.DeploymentURL, LedgerInfo: ptr(d.LedgerInfo),
	}
}
