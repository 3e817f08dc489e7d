// Package postgres implements the repository interfaces on PostgreSQL through gorm.
//
// The row structs below are private to this package; the rest of the code base only
// sees internal/model types. Schema is kept current with AutoMigrate on startup.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sakif/webdeploy/internal/repository"
)

var _ repository.Store = (*DB)(nil)

// DB wraps a gorm handle.
type DB struct {
	gorm *gorm.DB
}

type userRow struct {
	ID        string    `gorm:"primaryKey"`
	Address   string    `gorm:"uniqueIndex;not null"`
	Email     string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	LastLogin time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

type tokensRow struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"uniqueIndex;not null"`
	Balance       int64  `gorm:"not null;default:0"`
	StakedAmount  int64  `gorm:"not null;default:0"`
	RewardsEarned int64  `gorm:"not null;default:0"`
}

func (tokensRow) TableName() string { return "tokens" }

type webpageRow struct {
	ID     string  `gorm:"primaryKey"`
	UserID string  `gorm:"index;not null"`
	Name   *string // NULL until a name is bound
	Domain string  `gorm:"not null"`
	CID    string  `gorm:"column:cid;not null"`
}

func (webpageRow) TableName() string { return "webpages" }

type deploymentRow struct {
	ID              string    `gorm:"primaryKey"`
	UserID          string    `gorm:"not null"`
	WebpageID       string    `gorm:"index;not null"`
	TransactionHash string    `gorm:"not null"`
	DeployedAt      time.Time `gorm:"not null"`
	DeploymentURL   string    `gorm:"column:deployment_url;not null"`
	LedgerInfo      *string
}

func (deploymentRow) TableName() string { return "deployments" }

type historyRow struct {
	ID              string    `gorm:"primaryKey"`
	WebpageID       string    `gorm:"index:idx_history_webpage;not null"`
	CID             string    `gorm:"column:cid;not null"`
	TransactionHash string    `gorm:"not null"`
	DeploymentURL   string    `gorm:"column:deployment_url;not null"`
	DeployedAt      time.Time `gorm:"index:idx_history_webpage;not null"`
}

func (historyRow) TableName() string { return "deployment_history" }

type nameKeyRow struct {
	OwnerID   string    `gorm:"primaryKey"`
	NameID    string    `gorm:"primaryKey"`
	Sealed    []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (nameKeyRow) TableName() string { return "name_keys" }

// New connects to dsn, sizes the pool and migrates the schema.
func New(dsn string, log *slog.Logger) (*DB, error) {
	g, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: getting pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := g.AutoMigrate(
		&userRow{}, &tokensRow{}, &webpageRow{}, &deploymentRow{}, &historyRow{}, &nameKeyRow{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("postgres: migrating schema: %w", err)
	}

	log.Info("postgres connected and migrated")
	return &DB{gorm: g}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
