package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the claims carried by a browser session token for the realtime
// relay endpoint.
type Claims struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

var ErrAuthDisabled = errors.New("auth: no signing secret configured")

// TokenIssuer mints and validates short-lived browser session tokens. When
// no secret is configured the issuer is disabled and the relay endpoint is
// open, which is the local-demo mode.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	cache  *TokenCache
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		cache:  NewTokenCache(),
	}
}

func (i *TokenIssuer) Enabled() bool {
	return len(i.secret) > 0
}

// Issue returns a session token for the given client id. Tokens are cached
// per client until shortly before expiry so repeated requests from the same
// page reuse one token instead of minting a fresh one each time.
func (i *TokenIssuer) Issue(clientID string) (string, time.Time, error) {
	if !i.Enabled() {
		return "", time.Time{}, ErrAuthDisabled
	}

	return i.cache.GetOrCreate(clientID, func() (string, time.Time, error) {
		expiresAt := time.Now().Add(i.ttl)
		claims := &Claims{
			ClientID: clientID,
			Role:     "browser",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(expiresAt),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(i.secret)
		if err != nil {
			return "", time.Time{}, err
		}
		return signed, expiresAt, nil
	})
}

// Validate parses a session token and returns its claims.
func (i *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	if !i.Enabled() {
		return nil, ErrAuthDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrTokenInvalidClaims
}
