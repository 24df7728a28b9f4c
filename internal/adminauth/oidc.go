package adminauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	oidcStateBytes        = 16
	oidcCodeVerifierBytes = 32
)

// OIDCConfig is the static configuration for the single OIDC provider the
// admin surface trusts. Unlike the teacher's per-tenant OIDCProviderRepository
// (providers editable at runtime via an admin UI), this runtime has exactly
// one admin surface and one trust anchor, so the config is loaded once at
// startup from internal/config rather than re-fetched from a database on
// every call.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       string
}

// OIDCProvider implements the Authorization Code + PKCE flow against a
// single configured OIDC issuer, provisioning admin accounts on first login.
type OIDCProvider struct {
	cfg        OIDCConfig
	store      *Store
	jwtManager *JWTManager
}

// NewOIDCProvider constructs an OIDCProvider. Returns ErrProviderNotConfigured
// immediately if cfg is the zero value, so callers can wire it unconditionally
// and only pay for OIDC when it's actually configured.
func NewOIDCProvider(cfg OIDCConfig, store *Store, jwtManager *JWTManager) (*OIDCProvider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, ErrProviderNotConfigured
	}
	return &OIDCProvider{cfg: cfg, store: store, jwtManager: jwtManager}, nil
}

func (p *OIDCProvider) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.cfg.Issuer + "/authorize",
			TokenURL: p.cfg.Issuer + "/token",
		},
		Scopes: splitScopes(p.cfg.Scopes),
	}
}

// AuthorizationURL generates the OIDC authorization URL with a random state
// parameter and PKCE code verifier. The caller stores state and codeVerifier
// in a short-lived session before redirecting the user.
func (p *OIDCProvider) AuthorizationURL() (url, state, codeVerifier string, err error) {
	state, err = generateRandomBase64(oidcStateBytes)
	if err != nil {
		return "", "", "", fmt.Errorf("adminauth: generating oidc state: %w", err)
	}
	codeVerifier, err = generateRandomBase64(oidcCodeVerifierBytes)
	if err != nil {
		return "", "", "", fmt.Errorf("adminauth: generating pkce code verifier: %w", err)
	}
	url = p.oauth2Config().AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(codeVerifier))
	return url, state, codeVerifier, nil
}

// CallbackRequest carries the parameters returned by the identity provider
// plus the state and PKCE verifier the caller stashed before redirecting.
type CallbackRequest struct {
	Code         string
	State        string
	SessionState string
	CodeVerifier string
}

// ExchangeCode completes the Authorization Code flow: verifies state,
// exchanges the code, validates the ID token, and provisions an admin
// account on first login (role "operator").
func (p *OIDCProvider) ExchangeCode(ctx context.Context, req CallbackRequest) (*TokenPair, error) {
	if req.State != req.SessionState {
		return nil, ErrOIDCStateMismatch
	}
	if req.CodeVerifier == "" {
		return nil, ErrOIDCCodeVerifierMissing
	}

	oauth2Token, err := p.oauth2Config().Exchange(ctx, req.Code, oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("adminauth: exchanging oidc code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("adminauth: oidc token response missing id_token")
	}

	provider, err := gooidc.NewProvider(ctx, p.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("adminauth: initializing oidc provider for issuer %q: %w", p.cfg.Issuer, err)
	}
	idToken, err := provider.Verifier(&gooidc.Config{ClientID: p.cfg.ClientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("adminauth: verifying oidc id_token: %w", err)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("adminauth: extracting oidc claims: %w", err)
	}

	user, err := p.findOrProvisionUser(ctx, claims.Sub, claims.Email)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return p.issueTokenPair(ctx, user.Email, user.Role)
}

func (p *OIDCProvider) findOrProvisionUser(ctx context.Context, sub, email string) (*User, error) {
	user, err := p.store.GetUserByEmail(ctx, email)
	if err == nil {
		user.OIDCSubject = sub
		if putErr := p.store.PutUser(ctx, user); putErr != nil {
			return nil, fmt.Errorf("adminauth: updating oidc user: %w", putErr)
		}
		return user, nil
	}
	if err != ErrUserNotFound {
		return nil, fmt.Errorf("adminauth: looking up oidc user: %w", err)
	}

	newUser := &User{Email: email, Role: "operator", IsActive: true, OIDCSubject: sub}
	if err := p.store.PutUser(ctx, newUser); err != nil {
		return nil, fmt.Errorf("adminauth: provisioning oidc user: %w", err)
	}
	return newUser, nil
}

func (p *OIDCProvider) issueTokenPair(ctx context.Context, email, role string) (*TokenPair, error) {
	accessToken, err := p.jwtManager.GenerateAccessToken(email, role)
	if err != nil {
		return nil, err
	}
	rawRefresh, err := randomToken(rawRefreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("adminauth: generating refresh token: %w", err)
	}
	expiresAt := time.Now().Add(refreshTokenDuration)
	if err := p.store.PutRefreshToken(ctx, hashToken(rawRefresh), email, expiresAt); err != nil {
		return nil, fmt.Errorf("adminauth: persisting refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  time.Now().Add(p.jwtManager.AccessTokenTTL()),
		RefreshToken:          rawRefresh,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

func generateRandomBase64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func splitScopes(s string) []string {
	if s == "" {
		return []string{"openid"}
	}
	return strings.Fields(s)
}
