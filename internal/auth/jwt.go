// jwt.go — Optional post-admission bearer tokens (RS256).
// Orthogonal to tunnel admission: a token lets the same logical identity
// authenticate follow-up HTTP requests without re-running the DID-WBA
// handshake. Routing never depends on it.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// DefaultTokenTTL bounds issued token lifetime.
const DefaultTokenTTL = time.Hour

var ErrBadToken = errors.New("auth: token verification failed")

// JWTIssuer mints RS256 tokens with the DID as subject.
type JWTIssuer struct {
	key   *rsa.PrivateKey
	ttl   time.Duration
	clock clockwork.Clock
}

// NewJWTIssuer wraps a private key. ttl <= 0 uses DefaultTokenTTL.
func NewJWTIssuer(key *rsa.PrivateKey, ttl time.Duration, clock clockwork.Clock) *JWTIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWTIssuer{key: key, ttl: ttl, clock: clock}
}

// Issue signs a short-lived token for the admitted DID.
func (i *JWTIssuer) Issue(did string) (string, error) {
	now := i.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   did,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks signature and expiry and returns the subject DID.
func VerifyToken(token string, pub *rsa.PublicKey, clock clockwork.Clock) (string, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodRS256 {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return pub, nil
		},
		jwt.WithTimeFunc(clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrBadToken
	}
	return claims.Subject, nil
}
