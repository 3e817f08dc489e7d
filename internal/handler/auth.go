package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/webdeploy/internal/auth"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/service"
)

// AuthService is what AuthHandler needs from service.AuthService.
type AuthService interface {
	Nonce(address string) (*service.Challenge, error)
	Login(ctx context.Context, address, email, signature string) (*service.AuthResult, error)
	Me(ctx context.Context, userID string) (*model.User, error)
	Tokens(ctx context.Context, userID string) (*model.Tokens, error)
	UpdateTokens(ctx context.Context, userID string, balance, staked, rewards int64) (*model.Tokens, error)
}

// AuthHandler serves wallet sign-in, the session cookie and the per-user endpoints.
type AuthHandler struct {
	svc          AuthService
	sessionTTL   time.Duration
	secureCookie bool
	logger       *slog.Logger
}

// NewAuthHandler creates an AuthHandler. secureCookie marks the session cookie
// Secure, which browsers require outside localhost.
func NewAuthHandler(svc AuthService, sessionTTL time.Duration, secureCookie bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:          svc,
		sessionTTL:   sessionTTL,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// HandleNonce issues a sign-in challenge.
//
// HTTP: GET /auth/nonce?address=0x...
func (h *AuthHandler) HandleNonce(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.svc.Nonce(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

type loginRequest struct {
	Address   string `json:"address"`
	Email     string `json:"email"`
	Signature string `json:"signature"`
}

// HandleLogin verifies the signed challenge and sets the session cookie.
//
// HTTP: POST /auth/login {address, email, signature}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, 16<<10, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	result, err := h.svc.Login(r.Context(), req.Address, req.Email, req.Signature)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	auth.SetSessionCookie(w, result.Token, h.sessionTTL, h.secureCookie)
	writeJSON(w, http.StatusOK, result.User)
}

// HandleLogout clears the session cookie.
//
// HTTP: POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe returns the signed-in user.
//
// HTTP: GET /api/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	user, err := h.svc.Me(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleGetTokens returns the user's token counters.
//
// HTTP: GET /api/tokens
func (h *AuthHandler) HandleGetTokens(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	tokens, err := h.svc.Tokens(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type tokensRequest struct {
	Balance       int64 `json:"balance"`
	StakedAmount  int64 `json:"stakedAmount"`
	RewardsEarned int64 `json:"rewardsEarned"`
}

// HandleUpdateTokens overwrites the user's token counters.
//
// HTTP: PUT /api/tokens {balance, stakedAmount, rewardsEarned}
func (h *AuthHandler) HandleUpdateTokens(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req tokensRequest
	if err := decodeJSON(w, r, 4<<10, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	tokens, err := h.svc.UpdateTokens(r.Context(), userID, req.Balance, req.StakedAmount, req.RewardsEarned)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}
