package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/contentstore"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/publish"
	"github.com/sakif/webdeploy/internal/repository"
)

// ContentReader returns the published content of a CID.
type ContentReader interface {
	Content(ctx context.Context, cid string) (string, error)
}

// WebpageService opens one publish session per request and guards read access to
// webpages by owner.
type WebpageService struct {
	workflow *publish.Workflow
	pages    repository.WebpageRepository
	content  ContentReader
	logger   *slog.Logger
}

func NewWebpageService(
	workflow *publish.Workflow,
	pages repository.WebpageRepository,
	content ContentReader,
	logger *slog.Logger,
) *WebpageService {
	return &WebpageService{
		workflow: workflow,
		pages:    pages,
		content:  content,
		logger:   logger,
	}
}

// Deploy publishes a new site. With withName, a naming failure still returns the
// deployed result together with an apperror.ErrNaming error.
func (s *WebpageService) Deploy(ctx context.Context, userID, domain, content string, withName bool) (*publish.Result, error) {
	session, err := s.workflow.Open(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if withName {
		return session.DeployWithName(ctx, domain, content)
	}
	return session.Deploy(ctx, domain, content)
}

// Update republishes an existing site with new content.
func (s *WebpageService) Update(ctx context.Context, userID, webpageID, content string) (*publish.Result, error) {
	session, err := s.workflow.Open(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	return session.Update(ctx, webpageID, content)
}

// List returns the user's webpages with their current deployment, newest first.
func (s *WebpageService) List(ctx context.Context, userID string) ([]model.WebpageWithDeployment, error) {
	pages, err := s.pages.ListWebpages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/webpage: listing webpages of %s: %w", userID, err)
	}
	if pages == nil {
		pages = []model.WebpageWithDeployment{}
	}
	return pages, nil
}

// History returns every publish of a webpage the user owns, newest first.
func (s *WebpageService) History(ctx context.Context, userID, webpageID string) ([]model.DeploymentEvent, error) {
	if _, err := s.owned(ctx, userID, webpageID); err != nil {
		return nil, err
	}

	events, err := s.pages.ListHistory(ctx, webpageID)
	if err != nil {
		return nil, fmt.Errorf("service/webpage: listing history of %s: %w", webpageID, err)
	}
	return events, nil
}

// Content fetches the current content of a webpage the user owns.
func (s *WebpageService) Content(ctx context.Context, userID, webpageID string) (string, error) {
	webpage, err := s.owned(ctx, userID, webpageID)
	if err != nil {
		return "", err
	}

	content, err := s.content.Content(ctx, webpage.CID)
	if err != nil {
		if errors.Is(err, contentstore.ErrNotFound) {
			return "", apperror.NotFound("content", webpage.CID)
		}
		s.logger.Error("fetching webpage content failed",
			slog.String("webpageID", webpageID),
			slog.String("cid", webpage.CID),
			slog.String("error", err.Error()),
		)
		return "", apperror.ContentUnavailable("content store could not return the site", err)
	}
	return content, nil
}

func (s *WebpageService) owned(ctx context.Context, userID, webpageID string) (*model.Webpage, error) {
	webpage, err := s.pages.GetWebpage(ctx, webpageID)
	if err != nil {
		return nil, err
	}
	if webpage.UserID != userID {
		return nil, apperror.Forbidden("webpage belongs to another user")
	}
	return webpage, nil
}
