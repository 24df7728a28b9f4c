package adminauth

import (
	"context"
	"time"
)

// revocationCheckTimeout bounds the Store lookup behind the revocation hook
// wired into JWTManager.ValidateAccessToken. That call has no ctx of its
// own to inherit — JWTManager is deliberately ctx-free — so a short fixed
// timeout stands in for one, rather than letting a stalled backend hang
// every authenticated request indefinitely.
const revocationCheckTimeout = 2 * time.Second

// Service is the entry point for all admin authentication operations. The
// HTTP admin surface depends on Service, never on LocalProvider/OIDCProvider
// directly.
type Service struct {
	store      *Store
	local      *LocalProvider
	oidc       *OIDCProvider // nil if OIDC is not configured
	jwtManager *JWTManager
}

// New constructs a Service. oidc may be nil when no OIDC provider is configured.
func New(store *Store, jwtManager *JWTManager, oidc *OIDCProvider) *Service {
	jwtManager.SetRevocationCheck(func(jti string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), revocationCheckTimeout)
		defer cancel()
		revoked, err := store.IsAccessTokenRevoked(ctx, jti)
		return err == nil && revoked
	})
	return &Service{
		store:      store,
		local:      NewLocalProvider(store, jwtManager),
		oidc:       oidc,
		jwtManager: jwtManager,
	}
}

// Bootstrap ensures at least one admin account exists, creating one with the
// given email/password (role "admin") if the store is otherwise empty of
// that email. Called once at daemon startup from the configured bootstrap
// credentials; a no-op if the account already exists.
func (s *Service) Bootstrap(ctx context.Context, email, password string) error {
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if err != ErrUserNotFound {
		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.store.PutUser(ctx, &User{Email: email, PasswordHash: hash, Role: "admin", IsActive: true})
}

// LoginLocal authenticates via email/password.
func (s *Service) LoginLocal(ctx context.Context, email, password string) (*TokenPair, error) {
	return s.local.Login(ctx, email, password)
}

// AuthorizationURL starts the OIDC flow, if configured.
func (s *Service) AuthorizationURL() (url, state, codeVerifier string, err error) {
	if s.oidc == nil {
		return "", "", "", ErrProviderNotConfigured
	}
	return s.oidc.AuthorizationURL()
}

// ExchangeCode completes the OIDC flow, if configured.
func (s *Service) ExchangeCode(ctx context.Context, req CallbackRequest) (*TokenPair, error) {
	if s.oidc == nil {
		return nil, ErrProviderNotConfigured
	}
	return s.oidc.ExchangeCode(ctx, req)
}

// RefreshToken rotates a refresh token issued by either provider.
func (s *Service) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	return s.local.RefreshToken(ctx, rawToken)
}

// Logout invalidates a refresh token.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	return s.local.Logout(ctx, rawToken)
}

// ValidateAccessToken parses and verifies a JWT access token, for the HTTP
// middleware guarding admin routes.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}

// RevokeAccessToken invalidates the given access token immediately, rather
// than waiting for its natural expiry — used on logout when the client
// still has the token on hand to surrender.
func (s *Service) RevokeAccessToken(ctx context.Context, tokenString string) error {
	claims, err := s.jwtManager.ValidateAccessToken(tokenString)
	if err != nil {
		return nil // already invalid or expired; nothing to revoke
	}
	return s.store.RevokeAccessToken(ctx, claims.ID, claims.ExpiresAt.Time)
}
