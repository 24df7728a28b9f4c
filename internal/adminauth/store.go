package adminauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fenlake/agentrt/internal/state"
)

// adminNamespace is the reserved state.Service agent id admin accounts and
// refresh tokens are stored under — the same KV interface every hosted
// agent uses, reused here rather than introducing a second storage
// dependency just for the management surface.
const adminNamespace = "__admin__"

const (
	userKeyPrefix    = "user:"
	refreshKeyPrefix = "refresh:"
	revokedKeyPrefix = "revoked:"
)

// User is an administrator account.
type User struct {
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
	Role         string `json:"role"`
	IsActive     bool   `json:"isActive"`
	OIDCSubject  string `json:"oidcSubject,omitempty"`
}

type refreshRecord struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists admin users and refresh tokens through state.Service.
type Store struct {
	st state.Service
}

// NewStore wraps st for admin account bookkeeping.
func NewStore(st state.Service) *Store {
	return &Store{st: st}
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	raw, ok, err := s.st.Get(ctx, adminNamespace, userKeyPrefix+email)
	if err != nil {
		return nil, fmt.Errorf("adminauth: loading user %q: %w", email, err)
	}
	if !ok {
		return nil, ErrUserNotFound
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("adminauth: decoding user %q: %w", email, err)
	}
	return &u, nil
}

func (s *Store) PutUser(ctx context.Context, u *User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("adminauth: encoding user %q: %w", u.Email, err)
	}
	return s.st.Put(ctx, adminNamespace, userKeyPrefix+u.Email, raw)
}

func (s *Store) PutRefreshToken(ctx context.Context, tokenHash, email string, expiresAt time.Time) error {
	raw, err := json.Marshal(refreshRecord{Email: email, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("adminauth: encoding refresh token: %w", err)
	}
	return s.st.Put(ctx, adminNamespace, refreshKeyPrefix+tokenHash, raw)
}

func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (email string, expiresAt time.Time, err error) {
	raw, ok, err := s.st.Get(ctx, adminNamespace, refreshKeyPrefix+tokenHash)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("adminauth: loading refresh token: %w", err)
	}
	if !ok {
		return "", time.Time{}, ErrRefreshTokenNotFound
	}
	var rec refreshRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", time.Time{}, fmt.Errorf("adminauth: decoding refresh token: %w", err)
	}
	return rec.Email, rec.ExpiresAt, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	return s.st.Delete(ctx, adminNamespace, refreshKeyPrefix+tokenHash)
}

// RevokeAccessToken marks jti revoked so a still-unexpired access token
// carrying it is rejected by JWTManager.ValidateAccessToken's revocation
// hook. expiresAt is recorded for an operator's own manual cleanup of this
// namespace; nothing in this runtime prunes revoked entries automatically.
func (s *Store) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	raw, err := json.Marshal(expiresAt)
	if err != nil {
		return fmt.Errorf("adminauth: encoding revocation %q: %w", jti, err)
	}
	return s.st.Put(ctx, adminNamespace, revokedKeyPrefix+jti, raw)
}

// IsAccessTokenRevoked reports whether jti was ever passed to RevokeAccessToken.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	_, ok, err := s.st.Get(ctx, adminNamespace, revokedKeyPrefix+jti)
	if err != nil {
		return false, fmt.Errorf("adminauth: checking revocation %q: %w", jti, err)
	}
	return ok, nil
}
