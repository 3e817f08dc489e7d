// Package repository declares the persistence interfaces the services depend on.
// Implementations live in the sqlite and postgres subpackages.
package repository

import (
	"context"

	"github.com/sakif/webdeploy/internal/model"
)

// UserRepository persists users and their token rows.
type UserRepository interface {
	// Upsert inserts a user keyed by address, or refreshes email, updated_at and
	// last_login of the existing row. A zeroed Tokens row is created with a new user.
	Upsert(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetTokens(ctx context.Context, userID string) (*model.Tokens, error)
	UpdateTokens(ctx context.Context, tokens *model.Tokens) error
}

// WebpageRepository persists webpages, their current deployment and the publish history.
type WebpageRepository interface {
	CreateWebpage(ctx context.Context, webpage *model.Webpage) error
	GetWebpage(ctx context.Context, id string) (*model.Webpage, error)
	UpdateWebpageCID(ctx context.Context, id, cid string) error
	// SetWebpageName binds a name to a webpage that has none yet.
	// Returns apperror.ErrConflict if the webpage already carries a name.
	SetWebpageName(ctx context.Context, id, name string) error

	// ListWebpages returns webpages joined with their current deployment, newest
	// deployment first. An empty userID lists every user's webpages.
	ListWebpages(ctx context.Context, userID string) ([]model.WebpageWithDeployment, error)

	CreateDeployment(ctx context.Context, deployment *model.Deployment) error
	// CurrentDeployment returns the deployment row of a webpage, or apperror.ErrNotFound.
	CurrentDeployment(ctx context.Context, webpageID string) (*model.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *model.Deployment) error

	AppendHistory(ctx context.Context, event *model.DeploymentEvent) error
	ListHistory(ctx context.Context, webpageID string) ([]model.DeploymentEvent, error)
}

// NameKeyRepository stores sealed mutable-name keys.
type NameKeyRepository interface {
	PutNameKey(ctx context.Context, key *model.NameKey) error
	GetNameKey(ctx context.Context, ownerID, nameID string) (*model.NameKey, error)
}

// Store is everything a relational backend provides.
type Store interface {
	UserRepository
	WebpageRepository
	NameKeyRepository
	Close() error
}
