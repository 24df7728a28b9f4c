package adminauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// refreshTokenDuration is how long a refresh token stays valid after
// issuance, whether it was just rotated or is brand new.
const refreshTokenDuration = 7 * 24 * time.Hour

// passwordHashParams tunes Argon2id. These are deployment-specific choices,
// not the only defensible values — raised here from OWASP's floor (time=1)
// to give a larger security margin at a memory/CPU cost this daemon's
// single admin-login path can easily absorb.
type passwordHashParams struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

var defaultHashParams = passwordHashParams{
	time:    2,
	memory:  64 * 1024,
	threads: 2,
	keyLen:  32,
	saltLen: 16,
}

const rawRefreshTokenBytes = 32

// TokenPair is the access/refresh token pair issued on a successful login.
type TokenPair struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// LocalProvider authenticates admin users by email/password against Store,
// and issues/rotates the refresh tokens that back a logged-in session.
type LocalProvider struct {
	store      *Store
	jwtManager *JWTManager
}

// NewLocalProvider constructs a LocalProvider.
func NewLocalProvider(store *Store, jwtManager *JWTManager) *LocalProvider {
	return &LocalProvider{store: store, jwtManager: jwtManager}
}

// Login validates email/password and returns a token pair on success.
func (p *LocalProvider) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := p.activeUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if !checkPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return p.issueTokenPair(ctx, user)
}

// RefreshToken redeems a refresh token for a fresh pair, rotating it: the
// presented token is consumed whether or not the rest of the call succeeds,
// so a stolen-and-replayed token can be used at most once.
func (p *LocalProvider) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	hash := hashToken(rawToken)

	email, expiresAt, err := p.store.GetRefreshToken(ctx, hash)
	if err != nil {
		return nil, err
	}
	if delErr := p.store.DeleteRefreshToken(ctx, hash); delErr != nil {
		return nil, fmt.Errorf("adminauth: consuming refresh token: %w", delErr)
	}
	if time.Now().After(expiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := p.activeUser(ctx, email)
	if err != nil {
		return nil, err
	}
	return p.issueTokenPair(ctx, user)
}

// Logout deletes the refresh token named by rawToken. A token that is
// already gone is not an error — the caller's cookie is cleared either way.
func (p *LocalProvider) Logout(ctx context.Context, rawToken string) error {
	if err := p.store.DeleteRefreshToken(ctx, hashToken(rawToken)); err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
		return fmt.Errorf("adminauth: revoking refresh token on logout: %w", err)
	}
	return nil
}

// activeUser loads email and maps "not found" to the same invalid-credentials
// error a bad password would produce, so a login attempt can't be used to
// enumerate which email addresses hold accounts.
func (p *LocalProvider) activeUser(ctx context.Context, email string) (*User, error) {
	user, err := p.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	return user, nil
}

func (p *LocalProvider) issueTokenPair(ctx context.Context, user *User) (*TokenPair, error) {
	accessToken, err := p.jwtManager.GenerateAccessToken(user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := randomToken(rawRefreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("adminauth: generating refresh token: %w", err)
	}
	refreshExpiry := time.Now().Add(refreshTokenDuration)
	if err := p.store.PutRefreshToken(ctx, hashToken(rawRefresh), user.Email, refreshExpiry); err != nil {
		return nil, fmt.Errorf("adminauth: persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  time.Now().Add(p.jwtManager.AccessTokenTTL()),
		RefreshToken:          rawRefresh,
		RefreshTokenExpiresAt: refreshExpiry,
	}, nil
}

// HashPassword returns an Argon2id hash of password in "saltHex:hashHex"
// form, for the bootstrap admin-account creation path.
func HashPassword(password string) (string, error) {
	p := defaultHashParams
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("adminauth: generating password salt: %w", err)
	}
	sum := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return encodeHash(salt, sum), nil
}

// checkPassword verifies password against a stored "saltHex:hashHex" value,
// re-deriving with the same Argon2id parameters and comparing in constant
// time. A malformed stored hash fails closed rather than erroring, since
// authentication must reject either way.
func checkPassword(password, stored string) bool {
	salt, wantHash, ok := decodeHash(stored)
	if !ok {
		return false
	}
	p := defaultHashParams
	gotHash := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, uint32(len(wantHash)))
	return subtle.ConstantTimeCompare(gotHash, wantHash) == 1
}

func encodeHash(salt, sum []byte) string {
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum)
}

func decodeHash(s string) (salt, sum []byte, ok bool) {
	saltHex, sumHex, found := strings.Cut(s, ":")
	if !found {
		return nil, nil, false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, nil, false
	}
	sum, err = hex.DecodeString(sumHex)
	if err != nil {
		return nil, nil, false
	}
	return salt, sum, true
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
