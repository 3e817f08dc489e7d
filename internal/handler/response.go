package handler

// Every error response has the same shape:
//   {"error": "not_found", "message": "webpage not found with id abc123"}
// so the dashboard can parse failures without looking at the status code.

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sakif/webdeploy/internal/apperror"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`           // machine-readable kind, e.g. "not_found"
	Message string `json:"message"`         // human-readable description
	Field   string `json:"field,omitempty"` // offending input field, for validation errors
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorKind maps an apperror kind to its HTTP status and error string.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrStorageUpload):
		return http.StatusBadGateway, "storage_upload_failed"
	case errors.Is(err, apperror.ErrLedgerWrite):
		return http.StatusBadGateway, "ledger_write_failed"
	case errors.Is(err, apperror.ErrNaming):
		return http.StatusBadGateway, "naming_failed"
	case errors.Is(err, apperror.ErrContentUnavailable):
		return http.StatusBadGateway, "content_unavailable"
	case errors.Is(err, apperror.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError maps a domain error to a status code and logs server-side failures.
// Messages of unknown errors are never sent to the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status, kind := errorKind(err)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		writeJSON(w, status, ErrorResponse{
			Error:   kind,
			Message: "An internal error occurred",
		})
		return
	}

	msg := appErr.Message
	if deploymentFailure(err) {
		msg = fmt.Sprintf("deployment failed: %s", appErr.Message)
	}
	writeJSON(w, status, ErrorResponse{
		Error:   kind,
		Message: msg,
		Field:   appErr.Field,
	})
}

// deploymentFailure reports whether err comes from a publish step.
func deploymentFailure(err error) bool {
	return errors.Is(err, apperror.ErrStorageUpload) ||
		errors.Is(err, apperror.ErrLedgerWrite) ||
		errors.Is(err, apperror.ErrNaming)
}

// decodeJSON reads a JSON body of at most limit bytes into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.ValidationFailed("body", fmt.Sprintf("request body exceeds %d bytes", limit))
		}
		return apperror.ValidationFailed("body", "request body must be valid JSON")
	}
	return nil
}
