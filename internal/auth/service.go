// Package auth implements the three IPC operations of the auth
// sub-daemon: login, refresh-token, and logout. It is pure policy glue —
// credentials live in userdb, sessions in sessionstore, token signing in
// token.
//
// Handlers never let an internal error cross the IPC boundary: the full
// cause is logged here and the wire carries only the enumerated error
// kind.
package auth

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notekeep-io/notekeep/internal/ipc/authipc"
	"github.com/notekeep-io/notekeep/internal/sessionstore"
	"github.com/notekeep-io/notekeep/internal/token"
	"github.com/notekeep-io/notekeep/internal/userdb"
	"github.com/notekeep-io/notekeep/internal/username"
)

// AccessTokenTTL is the validity window of issued access tokens. The
// matching session expires at the same instant and is then only good for
// refreshing, until the grace window runs out.
const AccessTokenTTL = 15 * time.Minute

// LoginRequest is the decoded login command.
type LoginRequest struct {
	Username username.Username
	Password string
}

// RefreshRequest is the decoded refresh-token command.
type RefreshRequest struct {
	Username     username.Username
	RefreshToken []byte
}

// LogoutRequest is the decoded logout command.
type LogoutRequest struct {
	SessionID uuid.UUID
}

// Service executes auth operations against the stores.
type Service struct {
	users    *userdb.Store
	sessions *sessionstore.Store
	issuer   *token.Issuer
	logger   *zap.Logger

	now func() time.Time
}

// NewService wires the handlers to their collaborators.
func NewService(users *userdb.Store, sessions *sessionstore.Store, issuer *token.Issuer, logger *zap.Logger) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		issuer:   issuer,
		logger:   logger.Named("auth"),
		now:      time.Now,
	}
}

// Login verifies the password and, on success, opens a session and issues
// a token pair.
func (s *Service) Login(req LoginRequest) *authipc.LoginResponse {
	s.logger.Debug("logging user in", zap.String("user", req.Username.String()))

	ok, err := s.users.CheckCredentials(req.Username, req.Password)
	if err != nil {
		s.logger.Error("login failed", zap.String("user", req.Username.String()), zap.Error(err))
		return &authipc.LoginResponse{Err: loginErr(authipc.LoginErrorInternal)}
	}
	if !ok {
		s.logger.Warn("invalid credentials", zap.String("user", req.Username.String()))
		return &authipc.LoginResponse{Err: loginErr(authipc.LoginErrorInvalidCredentials)}
	}

	now := s.now().UTC()
	session, err := s.sessions.Create(req.Username, now, now.Add(AccessTokenTTL))
	if err != nil {
		s.logger.Error("login failed", zap.String("user", req.Username.String()), zap.Error(err))
		return &authipc.LoginResponse{Err: loginErr(authipc.LoginErrorInternal)}
	}
	accessToken, err := s.issuer.Issue(session.ID, session.Username, now, session.ExpiresAt)
	if err != nil {
		s.logger.Error("login failed", zap.String("user", req.Username.String()), zap.Error(err))
		return &authipc.LoginResponse{Err: loginErr(authipc.LoginErrorInternal)}
	}

	s.logger.Info("user logged in",
		zap.String("user", req.Username.String()),
		zap.String("session_id", session.ID.String()))
	return &authipc.LoginResponse{OK: &authipc.SuccessfulLogin{
		AccessToken:  accessToken,
		RefreshToken: session.RefreshToken,
	}}
}

// Refresh rotates a refresh token and issues a fresh access token. A token
// bound to a different user than claimed is treated exactly like an
// unknown token.
func (s *Service) Refresh(req RefreshRequest) *authipc.RefreshTokenResponse {
	s.logger.Debug("refreshing access token", zap.String("user", req.Username.String()))

	if session, ok := s.sessions.GetByToken(req.RefreshToken); ok && session.Username != req.Username {
		s.logger.Warn("refresh token does not belong to claimed user",
			zap.String("user", req.Username.String()))
		return &authipc.RefreshTokenResponse{Err: loginErr(authipc.LoginErrorInvalidCredentials)}
	}

	now := s.now().UTC()
	session, err := s.sessions.Refresh(req.RefreshToken, now.Add(AccessTokenTTL))
	switch {
	case errors.Is(err, sessionstore.ErrSessionNotFound):
		s.logger.Warn("refresh with unknown token", zap.String("user", req.Username.String()))
		return &authipc.RefreshTokenResponse{Err: loginErr(authipc.LoginErrorInvalidCredentials)}
	case err != nil:
		s.logger.Error("refresh failed", zap.String("user", req.Username.String()), zap.Error(err))
		return &authipc.RefreshTokenResponse{Err: loginErr(authipc.LoginErrorInternal)}
	}

	accessToken, err := s.issuer.Issue(session.ID, session.Username, now, session.ExpiresAt)
	if err != nil {
		s.logger.Error("refresh failed", zap.String("user", req.Username.String()), zap.Error(err))
		return &authipc.RefreshTokenResponse{Err: loginErr(authipc.LoginErrorInternal)}
	}

	s.logger.Info("session refreshed",
		zap.String("user", req.Username.String()),
		zap.String("session_id", session.ID.String()))
	return &authipc.RefreshTokenResponse{OK: &authipc.SuccessfulLogin{
		AccessToken:  accessToken,
		RefreshToken: session.RefreshToken,
	}}
}

// Logout deletes the session. Deleting a session that does not exist is a
// success — the client's goal state is reached either way.
func (s *Service) Logout(req LogoutRequest) *authipc.LogoutResponse {
	s.logger.Debug("deleting session", zap.String("session_id", req.SessionID.String()))

	existed, err := s.sessions.Delete(req.SessionID)
	if err != nil {
		s.logger.Error("logout failed", zap.String("session_id", req.SessionID.String()), zap.Error(err))
		e := authipc.LogoutErrorInternal
		return &authipc.LogoutResponse{Error: &e}
	}
	if existed {
		s.logger.Info("session deleted", zap.String("session_id", req.SessionID.String()))
	} else {
		s.logger.Warn("logout of nonexistent session", zap.String("session_id", req.SessionID.String()))
	}
	return &authipc.LogoutResponse{}
}

func loginErr(e authipc.LoginError) *authipc.LoginError {
	return &e
}
