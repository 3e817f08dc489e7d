// Package service holds the business rules between the HTTP handlers and the
// publish workflow, repositories and auxiliary clients.
//
//	Handler (HTTP) → Service (validation, ownership, logging) → Workflow / Repository
//
// Services take and return plain values and apperror kinds; they know nothing about
// HTTP, so the handler layer alone decides status codes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/auth"
	"github.com/sakif/webdeploy/internal/model"
	"github.com/sakif/webdeploy/internal/repository"
)

// AuthService signs wallets in and manages the per-user token row.
type AuthService struct {
	users      repository.UserRepository
	tokens     *auth.TokenService
	challenges *auth.Challenges
	logger     *slog.Logger
}

func NewAuthService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	challenges *auth.Challenges,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:      users,
		tokens:     tokens,
		challenges: challenges,
		logger:     logger,
	}
}

// Challenge is what the wallet is asked to sign.
type Challenge struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

// AuthResult bundles the user and the session token so the handler can set the
// cookie and respond in one step.
type AuthResult struct {
	User  *model.User
	Token string
}

// Nonce issues a sign-in challenge for address.
func (s *AuthService) Nonce(address string) (*Challenge, error) {
	nonce, message, err := s.challenges.Issue(strings.TrimSpace(address))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidAddress) {
			return nil, apperror.ValidationFailed("address", "a 0x-prefixed wallet address is required")
		}
		return nil, fmt.Errorf("service/auth: issuing challenge: %w", err)
	}
	return &Challenge{Nonce: nonce, Message: message}, nil
}

// Login verifies the signed challenge, creates or refreshes the user row and issues
// a session token.
func (s *AuthService) Login(ctx context.Context, address, email, signature string) (*AuthResult, error) {
	address = strings.TrimSpace(address)

	if err := s.challenges.Verify(address, signature); err != nil {
		if errors.Is(err, auth.ErrInvalidAddress) {
			return nil, apperror.ValidationFailed("address", "a 0x-prefixed wallet address is required")
		}
		s.logger.Warn("wallet sign-in rejected",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
		return nil, apperror.Unauthorized("wallet signature could not be verified", err)
	}

	user := &model.User{Address: address, Email: strings.TrimSpace(email)}
	if err := s.users.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: upserting user %s: %w", address, err)
	}

	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for user %s: %w", user.ID, err)
	}

	s.logger.Info("user signed in",
		slog.String("userID", user.ID),
		slog.String("address", user.Address),
	)
	return &AuthResult{User: user, Token: token}, nil
}

// Me returns the signed-in user.
func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", userID, err)
	}
	return user, nil
}

// Tokens returns the token row of userID.
func (s *AuthService) Tokens(ctx context.Context, userID string) (*model.Tokens, error) {
	t, err := s.users.GetTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching tokens of %s: %w", userID, err)
	}
	return t, nil
}

// UpdateTokens overwrites the three counters. Negative values are rejected.
func (s *AuthService) UpdateTokens(ctx context.Context, userID string, balance, staked, rewards int64) (*model.Tokens, error) {
	switch {
	case balance < 0:
		return nil, apperror.ValidationFailed("balance", "balance must not be negative")
	case staked < 0:
		return nil, apperror.ValidationFailed("stakedAmount", "staked amount must not be negative")
	case rewards < 0:
		return nil, apperror.ValidationFailed("rewardsEarned", "rewards must not be negative")
	}

	t := &model.Tokens{UserID: userID, Balance: balance, StakedAmount: staked, RewardsEarned: rewards}
	if err := s.users.UpdateTokens(ctx, t); err != nil {
		return nil, fmt.Errorf("service/auth: updating tokens of %s: %w", userID, err)
	}
	return s.Tokens(ctx, userID)
}
