package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/auth"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/publish"
)

// WebpageService is what WebpageHandler needs from service.WebpageService.
type WebpageService interface {
	Deploy(ctx context.Context, userID, domain, content string, withName bool) (*publish.Result, error)
	Update(ctx context.Context, userID, webpageID, content string) (*publish.Result, error)
	List(ctx context.Context, userID string) ([]model.WebpageWithDeployment, error)
	History(ctx context.Context, userID, webpageID string) ([]model.DeploymentEvent, error)
	Content(ctx context.Context, userID, webpageID string) (string, error)
}

// WebpageHandler serves the authenticated webpage endpoints.
type WebpageHandler struct {
	svc     WebpageService
	maxBody int64
	logger  *slog.Logger
}

// NewWebpageHandler creates a WebpageHandler. maxBody bounds request bodies and
// should leave room for JSON escaping on top of the content size limit.
func NewWebpageHandler(svc WebpageService, maxBody int64, logger *slog.Logger) *WebpageHandler {
	return &WebpageHandler{svc: svc, maxBody: maxBody, logger: logger}
}

type deployRequest struct {
	Domain   string `json:"domain"`
	Content  string `json:"content"`
	WithName bool   `json:"withName"`
}

type updateRequest struct {
	Content string `json:"content"`
}

// HandleList returns the user's webpages with their current deployment.
//
// HTTP: GET /api/webpages
func (h *WebpageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	pages, err := h.svc.List(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pages)
}

// HandleDeploy publishes a new site.
//
// HTTP: POST /api/webpages {domain, content, withName}
//
// A naming failure after a successful deployment still answers 201; the result
// carries the failure in nameError.
func (h *WebpageHandler) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req deployRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	res, err := h.svc.Deploy(r.Context(), userID, req.Domain, req.Content, req.WithName)
	if err != nil && !partial(res, err) {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleUpdate republishes an existing site.
//
// HTTP: PUT /api/webpages/{id} {content}
func (h *WebpageHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req updateRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	res, err := h.svc.Update(r.Context(), userID, chi.URLParam(r, "id"), req.Content)
	if err != nil && !partial(res, err) {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleHistory lists every publish of a webpage.
//
// HTTP: GET /api/webpages/{id}/deployments
func (h *WebpageHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	events, err := h.svc.History(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleContent returns the current site HTML.
//
// HTTP: GET /api/webpages/{id}/content
func (h *WebpageHandler) HandleContent(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	content, err := h.svc.Content(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// partial reports a deployment that succeeded with only its name left unbound.
func partial(res *publish.Result, err error) bool {
	return res != nil && errors.Is(err, apperror.ErrNaming)
}
