package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/webdeploy/internal/gateway"
	"github.com/sakif/webdeploy/internal/search"
)

// SiteService is what SiteHandler needs from service.SiteService.
type SiteService interface {
	Search(query string) []search.Entry
	Reindex(ctx context.Context) (int, error)
	Generate(ctx context.Context, prompt string) (string, error)
	Nodes(ctx context.Context) []gateway.Node
}

// SiteHandler serves the public endpoints.
type SiteHandler struct {
	svc    SiteService
	logger *slog.Logger
}

func NewSiteHandler(svc SiteService, logger *slog.Logger) *SiteHandler {
	return &SiteHandler{svc: svc, logger: logger}
}

// HandleSearch returns every indexed site matching q.
//
// HTTP: GET /api/search?q=...
func (h *SiteHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Search(r.URL.Query().Get("q")))
}

// HandleReindex rebuilds the search index.
//
// HTTP: POST /api/search/reindex
func (h *SiteHandler) HandleReindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Reindex(r.Context())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

// HandleGenerate asks the AI generator for a site.
//
// HTTP: POST /api/generate-website {prompt}
//
// Validation errors use the standard error body; every other failure answers
// 500 {"error":"Failed to generate website"}, which the dashboard displays as is.
func (h *SiteHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, 64<<10, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	code, err := h.svc.Generate(r.Context(), req.Prompt)
	if err != nil {
		if status, _ := errorKind(err); status == http.StatusBadRequest {
			writeError(w, h.logger, r, err)
			return
		}
		h.logger.Error("website generation failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to generate website"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// HandleNodes reports gateway availability.
//
// HTTP: GET /api/cdn/nodes
func (h *SiteHandler) HandleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Nodes(r.Context()))
}
