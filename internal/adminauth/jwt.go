package adminauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// defaultAccessTokenTTL is used unless WithAccessTokenTTL overrides it.
	defaultAccessTokenTTL = 15 * time.Minute

	// rsaKeyBits is fixed, not configurable: 2048 is the floor NIST and the
	// CA/Browser Forum both treat as the minimum acceptable RSA modulus for
	// signatures meant to stay valid for years. RS256 has no "it depends"
	// band here the way Argon2's cost parameters do.
	rsaKeyBits = 2048
)

// Claims is the custom JWT claim set embedded in every admin access token.
// RegisteredClaims.ID (the jti) doubles as the revocation key: Logout
// marks a jti revoked in the Store instead of relying
// on the paired refresh token's rotation alone, closing the window a bare
// JWT scheme otherwise leaves open between issuance and natural expiry.
type Claims struct {
	jwt.RegisteredClaims

	Email string `json:"email"`
	Role  string `json:"role"`
}

// revocationCheck reports whether a jti has been revoked. Wired by Service
// right after construction, so JWTManager itself stays a pure crypto
// component with no Store dependency of its own.
type revocationCheck func(jti string) bool

// JWTManager handles RS256 signing and verification of admin access tokens.
type JWTManager struct {
	privateKey     *rsa.PrivateKey
	publicKey      *rsa.PublicKey
	issuer         string
	accessTokenTTL time.Duration
	revoked        revocationCheck
}

// JWTOption configures a JWTManager at construction time.
type JWTOption func(*JWTManager)

// WithAccessTokenTTL overrides how long an issued access token stays valid.
func WithAccessTokenTTL(ttl time.Duration) JWTOption {
	return func(m *JWTManager) {
		if ttl > 0 {
			m.accessTokenTTL = ttl
		}
	}
}

func newManager(priv *rsa.PrivateKey, pub *rsa.PublicKey, issuer string, opts []JWTOption) *JWTManager {
	m := &JWTManager{
		privateKey:     priv,
		publicKey:      pub,
		issuer:         issuer,
		accessTokenTTL: defaultAccessTokenTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRevocationCheck installs the jti revocation predicate, called once by
// Service immediately after construction.
func (m *JWTManager) SetRevocationCheck(check func(jti string) bool) {
	m.revoked = check
}

// AccessTokenTTL reports how long a freshly issued access token stays
// valid, for callers that need to report its expiry alongside a refresh
// token's (LocalProvider, OIDCProvider).
func (m *JWTManager) AccessTokenTTL() time.Duration {
	return m.accessTokenTTL
}

// NewJWTManagerFromFiles loads an RSA key pair from PEM files on disk — the
// durable-key profile for a deployment that must survive restarts without
// invalidating every outstanding session.
func NewJWTManagerFromFiles(privateKeyPath, publicKeyPath, issuer string, opts ...JWTOption) (*JWTManager, error) {
	privPEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("adminauth: reading private key file: %w", err)
	}
	pubPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("adminauth: reading public key file: %w", err)
	}

	priv, err := parseRSAPrivateKeyPEM(privPEM)
	if err != nil {
		return nil, err
	}
	pub, err := parseRSAPublicKeyPEM(pubPEM)
	if err != nil {
		return nil, err
	}
	return newManager(priv, pub, issuer, opts), nil
}

// NewJWTManagerGenerated creates a JWTManager with a freshly generated RSA
// key pair. Ephemeral: every existing token is invalidated on restart.
// Suitable for the quickstart / single-instance profile.
func NewJWTManagerGenerated(issuer string, opts ...JWTOption) (*JWTManager, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("adminauth: generating RSA key pair: %w", err)
	}
	return newManager(priv, &priv.PublicKey, issuer, opts), nil
}

func parseRSAPrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("adminauth: no PEM block found in private key file")
	}

	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("adminauth: parsing PKCS#8 private key: %w", err)
	}
	rsaKey, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("adminauth: PKCS#8 key is %T, not RSA", generic)
	}
	return rsaKey, nil
}

func parseRSAPublicKeyPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("adminauth: no PEM block found in public key file")
	}
	generic, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("adminauth: parsing public key: %w", err)
	}
	rsaKey, ok := generic.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("adminauth: public key is %T, not RSA", generic)
	}
	return rsaKey, nil
}

// GenerateAccessToken creates a signed RS256 JWT for an admin user.
func (m *JWTManager) GenerateAccessToken(email, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenTTL)),
			ID:        uuid.NewString(),
		},
		Email: email,
		Role:  role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("adminauth: signing access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and verifies a JWT string, then — if a
// revocation hook was installed — rejects a token whose jti has since been
// revoked even though it has not yet naturally expired.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("adminauth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if m.revoked != nil && m.revoked(claims.ID) {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
