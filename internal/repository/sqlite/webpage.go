package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/repository"
)

var _ repository.WebpageRepository = (*DB)(nil)

// CreateWebpage inserts a webpage and fills in its generated ID.
func (db *DB) CreateWebpage(ctx context.Context, webpage *model.Webpage) error {
	webpage.ID = xid.New().String()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO webpages (id, user_id, name, domain, cid) VALUES (?, ?, ?, ?, ?)`,
		webpage.ID,
		webpage.UserID,
		nullString(webpage.Name),
		webpage.Domain,
		webpage.CID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating webpage %q: %w", webpage.Domain, err)
	}
	return nil
}

// GetWebpage retrieves a webpage by ID. Returns apperror.ErrNotFound if absent.
func (db *DB) GetWebpage(ctx context.Context, id string) (*model.Webpage, error) {
	var (
		w    model.Webpage
		name sql.NullString
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, name, domain, cid FROM webpages WHERE id = ?`,
		id,
	).Scan(&w.ID, &w.UserID, &name, &w.Domain, &w.CID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("webpage", id)
		}
		return nil, fmt.Errorf("sqlite: getting webpage %s: %w", id, err)
	}
	w.Name = name.String

	return &w, nil
}

// UpdateWebpageCID overwrites the current CID of a webpage.
func (db *DB) UpdateWebpageCID(ctx context.Context, id, cid string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE webpages SET cid = ? WHERE id = ?`, cid, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating cid of webpage %s: %w", id, err)
	}
	return expectOneRow(result, "webpage", id)
}

// SetWebpageName binds name to the webpage. The WHERE clause only matches pages
// without a name, so an already-named page reports a conflict.
func (db *DB) SetWebpageName(ctx context.Context, id, name string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE webpages SET name = ? WHERE id = ? AND name IS NULL`, name, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: naming webpage %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := db.GetWebpage(ctx, id); err != nil {
			return err
		}
		return apperror.Conflict("webpage name", id)
	}
	return nil
}

// ListWebpages joins webpages with their deployment rows, newest deployment first.
// Webpages without a deployment sort last. An empty userID lists all users.
func (db *DB) ListWebpages(ctx context.Context, userID string) ([]model.WebpageWithDeployment, error) {
	query := `
		SELECT w.id, w.user_id, w.name, w.domain, w.cid,
		       d.id, d.user_id, d.transaction_hash, d.deployed_at, d.deployment_url, d.ledger_info
		FROM webpages w
		LEFT JOIN deployments d ON d.webpage_id = w.id`
	args := []any{}
	if userID != "" {
		query += ` WHERE w.user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY d.deployed_at DESC, w.id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing webpages: %w", err)
	}
	defer rows.Close()

	var out []model.WebpageWithDeployment
	for rows.Next() {
		var (
			w                                   model.Webpage
			name                                sql.NullString
			depID, depUser, txHash, url, ledger sql.NullString
			deployedAt                          sql.NullTime
		)
		if err := rows.Scan(
			&w.ID, &w.UserID, &name, &w.Domain, &w.CID,
			&depID, &depUser, &txHash, &deployedAt, &url, &ledger,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning webpage row: %w", err)
		}
		w.Name = name.String

		item := model.WebpageWithDeployment{Webpage: w}
		if depID.Valid {
			item.Deployment = &model.Deployment{
				ID:              depID.String,
				UserID:          depUser.String,
				WebpageID:       w.ID,
				TransactionHash: txHash.String,
				DeployedAt:      deployedAt.Time,
				DeploymentURL:   url.String,
				LedgerInfo:      ledger.String,
			}
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating webpages: %w", err)
	}

	return out, nil
}

// CreateDeployment inserts the deployment row of a webpage.
func (db *DB) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	d.ID = xid.New().String()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO deployments
		   (id, user_id, webpage_id, transaction_hash, deployed_at, deployment_url, ledger_info)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.WebpageID, d.TransactionHash,
		d.DeployedAt.UTC(), d.DeploymentURL, nullString(d.LedgerInfo),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating deployment for webpage %s: %w", d.WebpageID, err)
	}
	return nil
}

// CurrentDeployment returns the most recent deployment row of a webpage.
func (db *DB) CurrentDeployment(ctx context.Context, webpageID string) (*model.Deployment, error) {
	var (
		d      model.Deployment
		ledger sql.NullString
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, webpage_id, transaction_hash, deployed_at, deployment_url, ledger_info
		 FROM deployments
		 WHERE webpage_id = ?
		 ORDER BY deployed_at DESC
		 LIMIT 1`,
		webpageID,
	).Scan(&d.ID, &d.UserID, &d.WebpageID, &d.TransactionHash, &d.DeployedAt, &d.DeploymentURL, &ledger)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("deployment for webpage", webpageID)
		}
		return nil, fmt.Errorf("sqlite: getting deployment of webpage %s: %w", webpageID, err)
	}
	d.LedgerInfo = ledger.String

	return &d, nil
}

// UpdateDeployment overwrites transaction hash, URL, timestamp and ledger info in place.
func (db *DB) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE deployments
		 SET transaction_hash = ?, deployment_url = ?, deployed_at = ?, ledger_info = ?
		 WHERE id = ?`,
		d.TransactionHash, d.DeploymentURL, d.DeployedAt.UTC(), nullString(d.LedgerInfo), d.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating deployment %s: %w", d.ID, err)
	}
	return expectOneRow(result, "deployment", d.ID)
}

// AppendHistory records one publish in the append-only history table.
func (db *DB) AppendHistory(ctx context.Context, e *model.DeploymentEvent) error {
	e.ID = xid.New().String()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO deployment_history
		   (id, webpage_id, cid, transaction_hash, deployment_url, deployed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.WebpageID, e.CID, e.TransactionHash, e.DeploymentURL, e.DeployedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: appending history for webpage %s: %w", e.WebpageID, err)
	}
	return nil
}

// ListHistory returns every recorded publish of a webpage, newest first.
func (db *DB) ListHistory(ctx context.Context, webpageID string) ([]model.DeploymentEvent, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, webpage_id, cid, transaction_hash, deployment_url, deployed_at
		 FROM deployment_history
		 WHERE webpage_id = ?
		 ORDER BY deployed_at DESC, id DESC`,
		webpageID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing history of webpage %s: %w", webpageID, err)
	}
	defer rows.Close()

	events := []model.DeploymentEvent{}
	for rows.Next() {
		var e model.DeploymentEvent
		if err := rows.Scan(&e.ID, &e.WebpageID, &e.CID, &e.TransactionHash, &e.DeploymentURL, &e.DeployedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning history row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating history: %w", err)
	}

	return events, nil
}

// expectOneRow turns "no rows affected" into apperror.ErrNotFound.
func expectOneRow(result sql.Result, resource, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}
