package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired or
	// signed with another key.
	ErrInvalidToken = errors.New("invalid token")
)

const tokenIssuer = "callsignal"

// SessionClaims binds a short-lived handshake token to the internal site id.
type SessionClaims struct {
	jwt.RegisteredClaims
	SiteID string `json:"site_id"`
}

// TokenIssuer issues and validates handshake session tokens (HS256).
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token for siteID whose subject is the public id.
func (p *TokenIssuer) Issue(siteID, publicID string) (string, time.Time, error) {
	if len(p.secret) == 0 {
		return "", time.Time{}, ErrMissingSecret
	}
	now := p.now().UTC()
	expiresAt := now.Add(p.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   publicID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SiteID: siteID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, expiresAt, nil
}

// Parse validates token and returns its claims.
func (p *TokenIssuer) Parse(token string) (*SessionClaims, error) {
	if len(p.secret) == 0 {
		return nil, ErrMissingSecret
	}
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid || claims.SiteID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
