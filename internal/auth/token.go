package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL is the lifetime of a bearer token minted on successful login.
const TokenTTL = 1 * time.Hour

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenRevoked = errors.New("token revoked")
)

// Claims is the decoded payload of a bearer token.
type Claims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	JTI       string
}

// TokenService mints and validates HMAC-SHA256 signed bearer tokens.
// Validation consults the revocation store: a revoked jti is refused even
// with a valid signature and unexpired claims.
type TokenService struct {
	secret  []byte
	revoked *RevocationStore
}

func NewTokenService(secret string, revoked *RevocationStore) *TokenService {
	return &TokenService{secret: []byte(secret), revoked: revoked}
}

// Mint signs a fresh token for userID with the given lifetime.
func (ts *TokenService) Mint(userID string, ttl time.Duration) (string, Claims, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		JTI:       uuid.New().String(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		ID:        claims.JTI,
	})
	signed, err := tok.SignedString(ts.secret)
	if err != nil {
		return "", Claims{}, err
	}
	return signed, claims, nil
}

// Validate verifies signature and expiry, then checks the revocation store.
func (ts *TokenService) Validate(token string) (Claims, error) {
	claims, err := ts.parse(token, true)
	if err != nil {
		return Claims{}, err
	}
	if ts.revoked.Contains(claims.JTI) {
		return Claims{}, ErrTokenRevoked
	}
	return claims, nil
}

// DecodeForRevocation verifies the signature but skips expiry and revocation
// checks, so logout can revoke a token that is already expired or revoked
// without surfacing an error.
func (ts *TokenService) DecodeForRevocation(token string) (Claims, error) {
	return ts.parse(token, false)
}

func (ts *TokenService) parse(token string, validateClaims bool) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if !validateClaims {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	var rc jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &rc, func(t *jwt.Token) (interface{}, error) {
		return ts.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}
	if rc.Subject == "" || rc.ID == "" || rc.ExpiresAt == nil {
		return Claims{}, ErrTokenInvalid
	}
	claims := Claims{
		UserID:    rc.Subject,
		ExpiresAt: rc.ExpiresAt.Time,
		JTI:       rc.ID,
	}
	if rc.IssuedAt != nil {
		claims.IssuedAt = rc.IssuedAt.Time
	}
	return claims, nil
}
